package signal

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type (
	Sha          string
	JobID        int64
	WfRunID      int64
	RunAttempt   int
	JobName      string
	JobBaseName  string
	WorkflowName string
)

// Job statuses and conclusions as reported by GitHub Actions.
const (
	JobStatusCompleted = "completed"

	ConclusionSuccess   = "success"
	ConclusionFailure   = "failure"
	ConclusionCancelled = "cancelled"
	ConclusionSkipped   = "skipped"
	ConclusionNeutral   = "neutral"
	ConclusionTimedOut  = "timed_out"
)

// TestFailureRules lists classification rules that mark a job failure as caused
// by individual tests rather than the job itself.
var TestFailureRules = map[string]struct{}{
	"pytest failure":          {},
	"Python unittest failure": {},
}

var (
	shardTokens = regexp.MustCompile(`, \d+, \d+(, |\))`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// NormalizeJobName strips shard counters from a job name so that all shards and
// retries of a job group under one base name.
func NormalizeJobName(name JobName) JobBaseName {
	base := shardTokens.ReplaceAllStringFunc(string(name), func(m string) string {
		if strings.HasSuffix(m, ")") {
			return ")"
		}
		return ", "
	})
	base = spaceRuns.ReplaceAllString(base, " ")
	return JobBaseName(strings.TrimSpace(base))
}

// JobRow is one job attempt row from the CI warehouse.
type JobRow struct {
	HeadSHA      Sha
	WorkflowName WorkflowName
	WfRunID      WfRunID
	JobID        JobID
	RunAttempt   RunAttempt
	Name         JobName
	Status       string
	Conclusion   string
	StartedAt    time.Time
	CreatedAt    time.Time
	Rule         string
}

func (j JobRow) BaseName() JobBaseName {
	return NormalizeJobName(j.Name)
}

// IsFailure covers completed failures and keep-going jobs that already report a
// failure while still running.
func (j JobRow) IsFailure() bool {
	return j.Conclusion == ConclusionFailure || j.Conclusion == ConclusionTimedOut
}

func (j JobRow) IsCancelled() bool {
	return j.Conclusion == ConclusionCancelled
}

func (j JobRow) IsSuccess() bool {
	if j.Status != JobStatusCompleted {
		return false
	}
	switch j.Conclusion {
	case ConclusionSuccess, ConclusionSkipped, ConclusionNeutral:
		return true
	}
	return false
}

func (j JobRow) IsPending() bool {
	if j.IsFailure() {
		return false
	}
	return j.Status != JobStatusCompleted || j.Conclusion == ""
}

// IsTestFailure reports a failure classified as a test failure.
func (j JobRow) IsTestFailure() bool {
	if !j.IsFailure() {
		return false
	}
	_, ok := TestFailureRules[j.Rule]
	return ok
}

// TestRow aggregates test verdicts for one test in one job.
type TestRow struct {
	JobID              JobID
	WfRunID            WfRunID
	WorkflowRunAttempt RunAttempt
	File               string
	Classname          string
	Name               string
	FailureRuns        int
	SuccessRuns        int
}

func (t TestRow) Key() string {
	return t.File + "::" + t.Name
}

// CommitRef is a commit in the evaluation window.
type CommitRef struct {
	SHA       Sha
	Timestamp time.Time
}

type SignalStatus string

const (
	StatusSuccess SignalStatus = "success"
	StatusFailure SignalStatus = "failure"
	StatusPending SignalStatus = "pending"
)

type SignalSource string

const (
	SourceJob  SignalSource = "job"
	SourceTest SignalSource = "test"
)

// Event is one observation on a commit.
type Event struct {
	Name       string
	Status     SignalStatus
	StartedAt  time.Time
	WfRunID    WfRunID
	RunAttempt RunAttempt
	JobID      JobID
}

func (e Event) IsPending() bool { return e.Status == StatusPending }
func (e Event) IsSuccess() bool { return e.Status == StatusSuccess }
func (e Event) IsFailure() bool { return e.Status == StatusFailure }

// EventName renders the operator-facing event label.
func EventName(workflow WorkflowName, source SignalSource, id string, run WfRunID, attempt RunAttempt) string {
	return fmt.Sprintf("wf=%s kind=%s id=%s run=%d attempt=%d", workflow, source, id, run, attempt)
}

// SignalMetadata references a signal from an action without carrying its events.
type SignalMetadata struct {
	WorkflowName WorkflowName
	Key          string
	JobBaseName  *JobBaseName
	TestModule   *string
	WfRunID      *WfRunID
	JobID        *JobID
	JobURL       *string
	HUDURL       *string
}

type RevertAction string

const (
	RevertSkip      RevertAction = "skip"
	RevertLog       RevertAction = "log"
	RevertRunNotify RevertAction = "run-notify"
	RevertRunRevert RevertAction = "run-revert"
)

// SideEffects reports whether the action writes to GitHub.
func (a RevertAction) SideEffects() bool {
	return a == RevertRunNotify || a == RevertRunRevert
}

func ParseRevertAction(value string) (RevertAction, error) {
	switch a := RevertAction(strings.ToLower(strings.TrimSpace(value))); a {
	case RevertSkip, RevertLog, RevertRunNotify, RevertRunRevert:
		return a, nil
	}
	return "", fmt.Errorf("unknown revert action %q", value)
}

type RestartAction string

const (
	RestartSkip RestartAction = "skip"
	RestartLog  RestartAction = "log"
	RestartRun  RestartAction = "run"
)

func (a RestartAction) SideEffects() bool {
	return a == RestartRun
}

func ParseRestartAction(value string) (RestartAction, error) {
	switch a := RestartAction(strings.ToLower(strings.TrimSpace(value))); a {
	case RestartSkip, RestartLog, RestartRun:
		return a, nil
	}
	return "", fmt.Errorf("unknown restart action %q", value)
}

// RunContext anchors one evaluation. TS is the only clock used for time math.
type RunContext struct {
	TS                time.Time
	NotifyIssueNumber int
	RepoFullName      string
	Workflows         []WorkflowName
	LookbackHours     int
	RevertAction      RevertAction
	RestartAction     RestartAction
}

// RestartStats summarises restart history for one (repo, workflow, commit).
type RestartStats struct {
	TotalRestarts            int
	HasSuccessWithinWindow   bool
	FailuresSinceLastSuccess int
	SecsSinceLastFailure     *int
}

type CommitPRSourceAction string

const (
	PRSourceMerge  CommitPRSourceAction = "merge"
	PRSourceRevert CommitPRSourceAction = "revert"
)
