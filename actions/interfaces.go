package actions

import (
	"context"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/protocol"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// Audit action names.
const (
	ActionRestart = "restart"
	ActionRevert  = "revert"
)

// RestartStatsQuery scopes restart history to one (repo, workflow, commit).
// Windows are measured back from AsOf.
type RestartStatsQuery struct {
	Repo      string
	Workflow  signal.WorkflowName
	CommitSHA signal.Sha
	Pacing    time.Duration
	Lookback  time.Duration
	AsOf      time.Time
}

// Event is one audit row.
type Event struct {
	Repo             string
	TS               time.Time
	Action           string
	CommitSHA        signal.Sha
	Workflows        []string
	SourceSignalKeys []string
	DryRun           bool
	Failed           bool
	Notes            string
}

// ActionLogger is the audit and rate-limit store. Rows are append-only.
type ActionLogger interface {
	PriorRevertExists(ctx context.Context, repo string, sha signal.Sha) (bool, error)
	RestartStats(ctx context.Context, q RestartStatsQuery) (signal.RestartStats, error)
	InsertEvent(ctx context.Context, ev Event) error
}

// WorkflowRestarter triggers a new run of a workflow for a commit.
type WorkflowRestarter interface {
	RestartWorkflow(ctx context.Context, workflow signal.WorkflowName, sha signal.Sha) error
}

// PullRequest is the subset of pull request fields used for notifications.
type PullRequest struct {
	Number  int
	Title   string
	HTMLURL string
	Author  string
}

// GitHubClient reads commits and pull requests and writes issue comments.
// Pull request comments go through the issue comment API.
type GitHubClient interface {
	CommitMessage(ctx context.Context, repo string, sha signal.Sha) (string, error)
	PullRequest(ctx context.Context, repo string, number int) (PullRequest, error)
	PullRequestLabels(ctx context.Context, repo string, number int) ([]string, error)
	CreateIssueComment(ctx context.Context, repo string, number int, body string) error
}

// Publisher hands decision messages to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, msg protocol.RevertDecisionMessage) error
}

// NoopPublisher drops messages.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, msg protocol.RevertDecisionMessage) error {
	return nil
}
