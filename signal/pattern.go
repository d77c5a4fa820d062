package signal

import (
	"fmt"
	"strings"
	"time"
)

// Confidence thresholds applied before a pattern becomes actionable.
var (
	RequiredFailureEvents = 3
	RequiredSuccessEvents = 2
)

// Outcome is the classification of one signal: *AutorevertPattern,
// *RestartCommits or *Ineligible.
type Outcome interface {
	OutcomeType() string
}

// AutorevertPattern is a confirmed breakage attributed to SuspectedCommit.
type AutorevertPattern struct {
	WorkflowName          WorkflowName
	NewerFailingCommits   []Sha
	SuspectedCommit       Sha
	OlderSuccessfulCommit Sha
}

func (*AutorevertPattern) OutcomeType() string { return "autorevert_pattern" }

// RestartCommits asks for more signal on the listed commits.
type RestartCommits struct {
	CommitSHAs []Sha
}

func (*RestartCommits) OutcomeType() string { return "restart_commits" }

type IneligibleReason string

const (
	IneligibleFlaky                 IneligibleReason = "flaky"
	IneligibleFixed                 IneligibleReason = "fixed"
	IneligibleNoSuccesses           IneligibleReason = "no_successes"
	IneligibleNoPartition           IneligibleReason = "no_partition"
	IneligibleInfraNotConfirmed     IneligibleReason = "infra_not_confirmed"
	IneligibleInsufficientFailures  IneligibleReason = "insufficient_failures"
	IneligibleInsufficientSuccesses IneligibleReason = "insufficient_successes"
	IneligiblePendingGap            IneligibleReason = "pending_gap"
)

type Ineligible struct {
	Reason  IneligibleReason
	Message string
}

func (*Ineligible) OutcomeType() string { return "ineligible" }

type InfraCheckResult string

const (
	InfraConfirmed      InfraCheckResult = "confirmed"
	InfraPending        InfraCheckResult = "pending"
	InfraRestartSuccess InfraCheckResult = "restart_success"
	InfraRestartFailure InfraCheckResult = "restart_failure"
)

// Partition splits recent history into failing commits (newest first), commits
// with pending or missing signal, and the successful commits below them.
type Partition struct {
	Failed     []CommitSignal
	Unknown    []CommitSignal
	Successful []CommitSignal
}

func (p Partition) FailureEvents() int {
	n := 0
	for _, c := range p.Failed {
		n += c.Count(StatusFailure)
	}
	return n
}

func (p Partition) SuccessEvents() int {
	n := 0
	for _, c := range p.Successful {
		n += c.Count(StatusSuccess)
	}
	return n
}

type bounds struct {
	lo, hi time.Time
	ok     bool
}

func eventBounds(commits []CommitSignal, keep func(Event) bool) bounds {
	var b bounds
	for _, c := range commits {
		for _, e := range c.Events {
			if !keep(e) {
				continue
			}
			if !b.ok || e.StartedAt.Before(b.lo) {
				b.lo = e.StartedAt
			}
			if !b.ok || e.StartedAt.After(b.hi) {
				b.hi = e.StartedAt
			}
			b.ok = true
		}
	}
	return b
}

// ConfirmNotInfra checks that some failure started strictly between two
// successes on the older side. Pending events count on both sides when judging
// overlap.
func (p Partition) ConfirmNotInfra() InfraCheckResult {
	succLike := eventBounds(p.Successful, func(e Event) bool { return e.IsSuccess() || e.IsPending() })
	succ := eventBounds(p.Successful, Event.IsSuccess)
	failLike := eventBounds(p.Failed, func(e Event) bool { return e.IsFailure() || e.IsPending() })

	if !succLike.ok || !failLike.ok || !succLike.hi.After(failLike.lo) {
		return InfraRestartSuccess
	}
	if !failLike.hi.After(succLike.lo) {
		return InfraRestartFailure
	}
	if succ.ok && succ.lo.Before(succ.hi) {
		for _, c := range p.Failed {
			for _, e := range c.Events {
				if e.IsFailure() && e.StartedAt.After(succ.lo) && e.StartedAt.Before(succ.hi) {
					return InfraConfirmed
				}
			}
		}
	}
	return InfraPending
}

// PartitionByPattern returns false when history is too short or lacks either a
// failing or a successful side.
func (s Signal) PartitionByPattern() (Partition, bool) {
	if len(s.Commits) < 2 {
		return Partition{}, false
	}
	var failed, successful []CommitSignal
	pickingFailed := true
	for _, c := range s.Commits {
		if c.HasSuccess() {
			pickingFailed = false
		} else if c.HasFailure() && !pickingFailed {
			// an older breakage below the successes
			break
		}
		if pickingFailed {
			failed = append(failed, c)
		} else {
			successful = append(successful, c)
		}
	}

	var unknown []CommitSignal
	for len(failed) > 0 && !failed[len(failed)-1].HasFailure() {
		unknown = append([]CommitSignal{failed[len(failed)-1]}, unknown...)
		failed = failed[:len(failed)-1]
	}
	if len(failed) == 0 || len(successful) == 0 {
		return Partition{}, false
	}
	return Partition{Failed: failed, Unknown: unknown, Successful: successful}, true
}

// DetectPattern classifies the signal.
func (s Signal) DetectPattern() Outcome {
	if s.DetectFlaky() {
		return &Ineligible{Reason: IneligibleFlaky, Message: "signal is flaky (mixed outcomes on same commit)"}
	}
	if s.DetectFixed() {
		return &Ineligible{Reason: IneligibleFixed, Message: "signal appears recovered at head"}
	}
	if !s.HasSuccesses() {
		return &Ineligible{Reason: IneligibleNoSuccesses, Message: "no successful commits present in window"}
	}
	p, ok := s.PartitionByPattern()
	if !ok {
		return &Ineligible{Reason: IneligibleNoPartition, Message: "insufficient history to form failed/unknown/successful partitions"}
	}

	var restart []Sha
	seen := map[Sha]bool{}
	addRestart := func(sha Sha) {
		if !seen[sha] {
			seen[sha] = true
			restart = append(restart, sha)
		}
	}

	for _, c := range p.Unknown {
		if len(c.Events) == 0 {
			addRestart(c.HeadSHA)
		}
	}

	oldestFailed := p.Failed[len(p.Failed)-1]
	newestSuccessful := p.Successful[0]

	infra := p.ConfirmNotInfra()
	if infra == InfraRestartFailure && !oldestFailed.HasPending() {
		addRestart(oldestFailed.HeadSHA)
	}
	if infra == InfraRestartSuccess && !newestSuccessful.HasPending() {
		addRestart(newestSuccessful.HeadSHA)
	}
	if p.FailureEvents() < RequiredFailureEvents && !oldestFailed.HasPending() {
		addRestart(oldestFailed.HeadSHA)
	}
	if p.SuccessEvents() < RequiredSuccessEvents && !newestSuccessful.HasPending() {
		addRestart(newestSuccessful.HeadSHA)
	}
	if len(restart) > 0 {
		return &RestartCommits{CommitSHAs: restart}
	}

	if infra != InfraConfirmed {
		return &Ineligible{Reason: IneligibleInfraNotConfirmed, Message: "infra check result: " + string(infra)}
	}
	if n := p.FailureEvents(); n < RequiredFailureEvents {
		return &Ineligible{Reason: IneligibleInsufficientFailures, Message: fmt.Sprintf("not enough failures to make call: %d", n)}
	}
	if n := p.SuccessEvents(); n < RequiredSuccessEvents {
		return &Ineligible{Reason: IneligibleInsufficientSuccesses, Message: fmt.Sprintf("not enough successes to make call: %d", n)}
	}
	if len(p.Unknown) > 0 {
		shas := make([]string, 0, len(p.Unknown))
		for _, c := range p.Unknown {
			shas = append(shas, string(c.HeadSHA))
		}
		return &Ineligible{Reason: IneligiblePendingGap, Message: "pending/missing commits present: " + strings.Join(shas, ", ")}
	}

	newer := make([]Sha, 0, len(p.Failed)-1)
	for _, c := range p.Failed[:len(p.Failed)-1] {
		newer = append(newer, c.HeadSHA)
	}
	return &AutorevertPattern{
		WorkflowName:          s.WorkflowName,
		NewerFailingCommits:   newer,
		SuspectedCommit:       oldestFailed.HeadSHA,
		OlderSuccessfulCommit: newestSuccessful.HeadSHA,
	}
}
