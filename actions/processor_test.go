package actions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/planner"
	"github.com/izavyalov-dev/ci-autorevert/protocol"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

var evalTime = time.Date(2025, 9, 20, 12, 0, 0, 0, time.UTC)

type fakeAudit struct {
	restarts    []time.Time
	lastFailure *time.Time
	priorRevert bool
	statsErr    error
	statsCalls  int
	queries     []RestartStatsQuery
	inserts     []Event
}

func (f *fakeAudit) PriorRevertExists(ctx context.Context, repo string, sha signal.Sha) (bool, error) {
	return f.priorRevert, nil
}

func (f *fakeAudit) RestartStats(ctx context.Context, q RestartStatsQuery) (signal.RestartStats, error) {
	f.statsCalls++
	f.queries = append(f.queries, q)
	if f.statsErr != nil {
		return signal.RestartStats{}, f.statsErr
	}
	var stats signal.RestartStats
	for _, ts := range f.restarts {
		stats.TotalRestarts++
		if q.AsOf.Sub(ts) < q.Pacing {
			stats.HasSuccessWithinWindow = true
		}
	}
	if f.lastFailure != nil {
		secs := int(q.AsOf.Sub(*f.lastFailure).Seconds())
		stats.SecsSinceLastFailure = &secs
		stats.FailuresSinceLastSuccess = 1
	}
	return stats, nil
}

func (f *fakeAudit) InsertEvent(ctx context.Context, ev Event) error {
	f.inserts = append(f.inserts, ev)
	return nil
}

type fakeRestarter struct {
	calls []string
	err   error
}

func (f *fakeRestarter) RestartWorkflow(ctx context.Context, workflow signal.WorkflowName, sha signal.Sha) error {
	f.calls = append(f.calls, string(workflow)+"@"+string(sha))
	return f.err
}

type postedComment struct {
	number int
	body   string
}

type fakeGitHub struct {
	messages   map[signal.Sha]string
	prs        map[int]PullRequest
	labels     map[int][]string
	comments   []postedComment
	reads      int
	labelCalls int
	commentErr error
}

func (f *fakeGitHub) CommitMessage(ctx context.Context, repo string, sha signal.Sha) (string, error) {
	f.reads++
	return f.messages[sha], nil
}

func (f *fakeGitHub) PullRequest(ctx context.Context, repo string, number int) (PullRequest, error) {
	f.reads++
	pr, ok := f.prs[number]
	if !ok {
		return PullRequest{}, errors.New("not found")
	}
	return pr, nil
}

func (f *fakeGitHub) PullRequestLabels(ctx context.Context, repo string, number int) ([]string, error) {
	f.labelCalls++
	return f.labels[number], nil
}

func (f *fakeGitHub) CreateIssueComment(ctx context.Context, repo string, number int, body string) error {
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, postedComment{number: number, body: body})
	return nil
}

type recordingPublisher struct {
	messages []protocol.RevertDecisionMessage
}

func (r *recordingPublisher) Publish(ctx context.Context, msg protocol.RevertDecisionMessage) error {
	r.messages = append(r.messages, msg)
	return nil
}

func newTestProcessor(audit ActionLogger, restarter WorkflowRestarter, gh GitHubClient, publisher Publisher, config Config) *Processor {
	config.Logger = observability.DiscardLogger()
	return NewProcessor(audit, restarter, gh, publisher, config)
}

func restartContext(action signal.RestartAction) signal.RunContext {
	return signal.RunContext{
		TS:                evalTime,
		NotifyIssueNumber: 163650,
		RepoFullName:      "pytorch/pytorch",
		Workflows:         []signal.WorkflowName{"trunk"},
		LookbackHours:     16,
		RevertAction:      signal.RevertLog,
		RestartAction:     action,
	}
}

func jobSources(keys ...string) []signal.SignalMetadata {
	out := make([]signal.SignalMetadata, 0, len(keys))
	for _, k := range keys {
		out = append(out, signal.SignalMetadata{WorkflowName: "trunk", Key: k})
	}
	return out
}

func TestExecuteRestartRefusesAtCap(t *testing.T) {
	audit := &fakeAudit{restarts: []time.Time{evalTime.Add(-30 * time.Minute), evalTime.Add(-60 * time.Minute)}}
	restarter := &fakeRestarter{}
	p := newTestProcessor(audit, restarter, &fakeGitHub{}, nil, Config{})

	ok, err := p.ExecuteRestart(context.Background(), "trunk", "abc", jobSources("linux-test"), restartContext(signal.RestartRun))
	if err != nil {
		t.Fatalf("execute restart: %v", err)
	}
	if ok {
		t.Fatalf("expected restart refused at cap")
	}
	if len(audit.inserts) != 0 || len(restarter.calls) != 0 {
		t.Fatalf("expected no side effects, got %d inserts and %d dispatches", len(audit.inserts), len(restarter.calls))
	}
}

func TestExecuteRestartRefusesWithinPacing(t *testing.T) {
	audit := &fakeAudit{restarts: []time.Time{evalTime.Add(-5 * time.Minute)}}
	restarter := &fakeRestarter{}
	p := newTestProcessor(audit, restarter, &fakeGitHub{}, nil, Config{})

	ok, err := p.ExecuteRestart(context.Background(), "trunk", "abc", jobSources("linux-test"), restartContext(signal.RestartRun))
	if err != nil {
		t.Fatalf("execute restart: %v", err)
	}
	if ok {
		t.Fatalf("expected restart refused within pacing window")
	}
	if len(audit.inserts) != 0 || len(restarter.calls) != 0 {
		t.Fatalf("expected no side effects")
	}
}

func TestExecuteRestartDispatchesAfterPacing(t *testing.T) {
	audit := &fakeAudit{restarts: []time.Time{evalTime.Add(-20 * time.Minute)}}
	restarter := &fakeRestarter{}
	p := newTestProcessor(audit, restarter, &fakeGitHub{}, nil, Config{})

	ok, err := p.ExecuteRestart(context.Background(), "trunk", "abc", jobSources("linux-test", "win-test"), restartContext(signal.RestartRun))
	if err != nil {
		t.Fatalf("execute restart: %v", err)
	}
	if !ok {
		t.Fatalf("expected restart dispatched")
	}
	if len(restarter.calls) != 1 || restarter.calls[0] != "trunk@abc" {
		t.Fatalf("unexpected dispatches: %v", restarter.calls)
	}
	if len(audit.inserts) != 1 {
		t.Fatalf("expected one audit row, got %d", len(audit.inserts))
	}
	ev := audit.inserts[0]
	if ev.Action != ActionRestart || ev.DryRun || ev.Failed || !ev.TS.Equal(evalTime) {
		t.Fatalf("unexpected audit row: %+v", ev)
	}
	if strings.Join(ev.Workflows, ",") != "trunk" || strings.Join(ev.SourceSignalKeys, ",") != "linux-test,win-test" {
		t.Fatalf("unexpected provenance: %+v", ev)
	}
	q := audit.queries[0]
	if !q.AsOf.Equal(evalTime) || q.Pacing != 15*time.Minute || q.Lookback != 16*time.Hour {
		t.Fatalf("unexpected stats query: %+v", q)
	}
}

func TestExecuteRestartReportsDispatchFailure(t *testing.T) {
	audit := &fakeAudit{}
	restarter := &fakeRestarter{err: errors.New("workflow dispatch rejected")}
	p := newTestProcessor(audit, restarter, &fakeGitHub{}, nil, Config{})

	ok, err := p.ExecuteRestart(context.Background(), "trunk", "abc", jobSources("linux-test"), restartContext(signal.RestartRun))
	if err == nil || !errors.Is(err, restarter.err) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if ok {
		t.Fatalf("expected failed dispatch not to report success")
	}
	if len(audit.inserts) != 1 || !audit.inserts[0].Failed || audit.inserts[0].Notes != "workflow dispatch rejected" {
		t.Fatalf("expected one failed audit row, got %+v", audit.inserts)
	}
}

func TestExecuteRestartLogModeDoesNotDispatch(t *testing.T) {
	audit := &fakeAudit{}
	restarter := &fakeRestarter{}
	p := newTestProcessor(audit, restarter, &fakeGitHub{}, nil, Config{})

	ok, err := p.ExecuteRestart(context.Background(), "trunk", "abc", jobSources("linux-test"), restartContext(signal.RestartLog))
	if err != nil || !ok {
		t.Fatalf("expected logged restart, got ok=%v err=%v", ok, err)
	}
	if len(restarter.calls) != 0 {
		t.Fatalf("expected no dispatch in log mode")
	}
	if len(audit.inserts) != 1 || !audit.inserts[0].DryRun {
		t.Fatalf("expected one dry-run audit row, got %+v", audit.inserts)
	}
}

func TestExecuteRestartSkipTouchesNothing(t *testing.T) {
	audit := &fakeAudit{}
	p := newTestProcessor(audit, &fakeRestarter{}, &fakeGitHub{}, nil, Config{})

	ok, err := p.ExecuteRestart(context.Background(), "trunk", "abc", nil, restartContext(signal.RestartSkip))
	if err != nil || ok {
		t.Fatalf("expected skip, got ok=%v err=%v", ok, err)
	}
	if audit.statsCalls != 0 {
		t.Fatalf("expected no stats lookups when skipping")
	}
}

func TestExecuteRestartFailureBackoff(t *testing.T) {
	failed := evalTime.Add(-10 * time.Minute)
	audit := &fakeAudit{lastFailure: &failed}
	restarter := &fakeRestarter{}

	p := newTestProcessor(audit, restarter, &fakeGitHub{}, nil, Config{})
	if ok, _ := p.ExecuteRestart(context.Background(), "trunk", "abc", nil, restartContext(signal.RestartRun)); !ok {
		t.Fatalf("expected restart without backoff configured")
	}

	p = newTestProcessor(audit, restarter, &fakeGitHub{}, nil, Config{FailureBackoff: 30 * time.Minute})
	if ok, _ := p.ExecuteRestart(context.Background(), "trunk", "abc", nil, restartContext(signal.RestartRun)); ok {
		t.Fatalf("expected restart refused during failure backoff")
	}
	if len(restarter.calls) != 1 {
		t.Fatalf("expected a single dispatch, got %v", restarter.calls)
	}
}

func TestExecuteRestartPropagatesStatsError(t *testing.T) {
	audit := &fakeAudit{statsErr: errors.New("db down")}
	p := newTestProcessor(audit, &fakeRestarter{}, &fakeGitHub{}, nil, Config{})
	if _, err := p.ExecuteRestart(context.Background(), "trunk", "abc", nil, restartContext(signal.RestartRun)); !errors.Is(err, audit.statsErr) {
		t.Fatalf("expected stats error, got %v", err)
	}
}

func TestExecuteRoutesGroups(t *testing.T) {
	audit := &fakeAudit{priorRevert: true}
	restarter := &fakeRestarter{}
	p := newTestProcessor(audit, restarter, &fakeGitHub{}, nil, Config{})
	rc := restartContext(signal.RestartRun)
	rc.RevertAction = signal.RevertRunRevert

	ok, err := p.Execute(context.Background(), planner.ActionGroup{Type: planner.ActionRestart, CommitSHA: "abc", WorkflowTarget: "trunk"}, rc)
	if err != nil || !ok {
		t.Fatalf("expected restart group executed, got ok=%v err=%v", ok, err)
	}
	ok, err = p.Execute(context.Background(), planner.ActionGroup{Type: planner.ActionRevert, CommitSHA: "abc"}, rc)
	if err != nil || ok {
		t.Fatalf("expected revert group deduplicated, got ok=%v err=%v", ok, err)
	}
	if _, err := p.Execute(context.Background(), planner.ActionGroup{Type: planner.ActionRestart, CommitSHA: "abc"}, rc); err == nil {
		t.Fatalf("expected error for restart without workflow")
	}
}
