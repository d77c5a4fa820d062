package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/planner"
	"github.com/izavyalov-dev/ci-autorevert/signal"
	"github.com/izavyalov-dev/ci-autorevert/state"
)

var evalTime = time.Date(2025, 9, 20, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	signals []signal.Signal
	err     error
	seen    []signal.RunContext
}

func (s *stubSource) Extract(ctx context.Context, rc signal.RunContext) ([]signal.Signal, error) {
	s.seen = append(s.seen, rc)
	return s.signals, s.err
}

type stubPlanner struct {
	groups   []planner.ActionGroup
	outcomes int
}

func (p *stubPlanner) Plan(ctx context.Context, req planner.PlanRequest) (planner.PlanResult, error) {
	p.outcomes = len(req.Outcomes)
	return planner.PlanResult{Groups: p.groups}, nil
}

type recordingExecutor struct {
	mu       sync.Mutex
	built    int
	executed []planner.ActionGroup
	actions  []signal.RevertAction
	fail     signal.Sha
}

func (r *recordingExecutor) factory() ExecutorFactory {
	return func() Executor {
		r.mu.Lock()
		r.built++
		r.mu.Unlock()
		return executorFunc(func(ctx context.Context, group planner.ActionGroup, rc signal.RunContext) (bool, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.executed = append(r.executed, group)
			r.actions = append(r.actions, rc.RevertAction)
			if group.CommitSHA == r.fail {
				return false, errors.New("github unavailable")
			}
			return true, nil
		})
	}
}

type executorFunc func(ctx context.Context, group planner.ActionGroup, rc signal.RunContext) (bool, error)

func (f executorFunc) Execute(ctx context.Context, group planner.ActionGroup, rc signal.RunContext) (bool, error) {
	return f(ctx, group, rc)
}

type memoryRunStates struct {
	docs     []state.RunState
	archives map[string]string
	err      error
}

func (m *memoryRunStates) InsertRunState(ctx context.Context, doc state.RunState) (state.RunStateRecord, error) {
	if m.err != nil {
		return state.RunStateRecord{}, m.err
	}
	m.docs = append(m.docs, doc)
	return state.RunStateRecord{ID: int64(len(m.docs)), EvaluationID: doc.Meta.EvaluationID}, nil
}

func (m *memoryRunStates) SetRunStateArchiveURI(ctx context.Context, evaluationID, uri string) error {
	if m.archives == nil {
		m.archives = map[string]string{}
	}
	m.archives[evaluationID] = uri
	return nil
}

func (m *memoryRunStates) GetLatestRunState(ctx context.Context, repo string) (state.RunStateRecord, error) {
	if len(m.docs) == 0 {
		return state.RunStateRecord{}, state.ErrNotFound
	}
	doc := m.docs[len(m.docs)-1]
	return state.RunStateRecord{EvaluationID: doc.Meta.EvaluationID, Repo: doc.Meta.Repo, State: []byte(`{"version":2}`)}, nil
}

type stubArchiver struct {
	uploads int
	err     error
}

func (a *stubArchiver) ArchiveRunState(ctx context.Context, repo, evaluationID string, ts time.Time, doc []byte) (string, error) {
	a.uploads++
	if a.err != nil {
		return "", a.err
	}
	return "s3://bucket/" + evaluationID + ".json", nil
}

type stubBreaker struct {
	tripped bool
	calls   int
}

func (b *stubBreaker) Tripped(ctx context.Context, repo string) bool {
	b.calls++
	return b.tripped
}

type fixedIDs struct{}

func (fixedIDs) EvaluationID() string { return "eval-1" }

func flakySignal(key string) signal.Signal {
	return signal.Signal{
		WorkflowName: "trunk",
		Key:          key,
		Source:       signal.SourceJob,
		Commits: []signal.CommitSignal{
			signal.NewCommitSignal("sha1", evalTime, []signal.Event{
				{Name: key, Status: signal.StatusSuccess, StartedAt: evalTime, WfRunID: 1},
				{Name: key, Status: signal.StatusFailure, StartedAt: evalTime.Add(time.Minute), WfRunID: 1, RunAttempt: 2},
			}),
		},
	}
}

func runContext(revert signal.RevertAction) signal.RunContext {
	return signal.RunContext{
		TS:                evalTime,
		NotifyIssueNumber: 163650,
		RepoFullName:      "pytorch/pytorch",
		Workflows:         []signal.WorkflowName{"trunk"},
		LookbackHours:     16,
		RevertAction:      revert,
		RestartAction:     signal.RestartRun,
	}
}

func testGroups() []planner.ActionGroup {
	return []planner.ActionGroup{
		{Type: planner.ActionRevert, CommitSHA: "bad"},
		{Type: planner.ActionRestart, CommitSHA: "mid", WorkflowTarget: "trunk"},
		{Type: planner.ActionRestart, CommitSHA: "old", WorkflowTarget: "trunk"},
	}
}

func TestRunOnceExecutesGroupsAndRecordsState(t *testing.T) {
	source := &stubSource{signals: []signal.Signal{flakySignal("a"), flakySignal("b")}}
	plan := &stubPlanner{groups: testGroups()}
	exec := &recordingExecutor{fail: "old"}
	states := &memoryRunStates{}
	archiver := &stubArchiver{}

	svc := NewService(source, plan, exec.factory(), states, Config{
		Workers:  2,
		Archiver: archiver,
		IDs:      fixedIDs{},
		Logger:   observability.DiscardLogger(),
	})
	eval, err := svc.RunOnce(context.Background(), runContext(signal.RevertRunNotify))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	if eval.ID != "eval-1" || eval.Signals != 2 || eval.Outcomes["ineligible"] != 2 || plan.outcomes != 2 {
		t.Fatalf("unexpected evaluation: %+v", eval)
	}
	if len(exec.executed) != 3 {
		t.Fatalf("expected 3 executed groups, got %d", len(exec.executed))
	}
	if exec.built < 1 || exec.built > 2 {
		t.Fatalf("expected one executor per worker, got %d", exec.built)
	}
	if eval.Executed() != 2 || eval.Failed() != 1 {
		t.Fatalf("expected 2 executed and 1 failed, got %d/%d", eval.Executed(), eval.Failed())
	}
	if eval.Actions[2].Error == "" || eval.Actions[0].CommitSHA != "bad" {
		t.Fatalf("expected results in group order, got %+v", eval.Actions)
	}

	if len(states.docs) != 1 || states.docs[0].Meta.EvaluationID != "eval-1" {
		t.Fatalf("expected one run state, got %+v", states.docs)
	}
	if eval.ArchiveURI != "s3://bucket/eval-1.json" || states.archives["eval-1"] != eval.ArchiveURI {
		t.Fatalf("expected archive uri recorded, got %q", eval.ArchiveURI)
	}
}

func TestRunOnceCircuitBreakerDowngradesReverts(t *testing.T) {
	exec := &recordingExecutor{}
	breaker := &stubBreaker{tripped: true}
	svc := NewService(&stubSource{}, &stubPlanner{groups: testGroups()[:1]}, exec.factory(), &memoryRunStates{}, Config{
		Breaker: breaker,
		Logger:  observability.DiscardLogger(),
	})

	eval, err := svc.RunOnce(context.Background(), runContext(signal.RevertRunRevert))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !eval.CircuitBreakerTripped || eval.RevertAction != "log" {
		t.Fatalf("expected downgrade to log, got %+v", eval)
	}
	if len(exec.actions) != 1 || exec.actions[0] != signal.RevertLog {
		t.Fatalf("expected executor to see log action, got %v", exec.actions)
	}
}

func TestRunOnceSkipsBreakerWithoutSideEffects(t *testing.T) {
	breaker := &stubBreaker{tripped: true}
	svc := NewService(&stubSource{}, nil, nil, nil, Config{Breaker: breaker, Logger: observability.DiscardLogger()})
	eval, err := svc.RunOnce(context.Background(), runContext(signal.RevertLog))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if breaker.calls != 0 || eval.CircuitBreakerTripped {
		t.Fatalf("expected breaker not consulted in log mode")
	}
}

func TestRunOnceExtractionFailure(t *testing.T) {
	exec := &recordingExecutor{}
	states := &memoryRunStates{}
	svc := NewService(&stubSource{err: errors.New("clickhouse down")}, &stubPlanner{groups: testGroups()}, exec.factory(), states, Config{Logger: observability.DiscardLogger()})

	if _, err := svc.RunOnce(context.Background(), runContext(signal.RevertLog)); err == nil {
		t.Fatalf("expected extraction error")
	}
	if len(exec.executed) != 0 || len(states.docs) != 0 {
		t.Fatalf("expected no actions or run state after extraction failure")
	}
}

func TestRunOnceRunStateFailure(t *testing.T) {
	states := &memoryRunStates{err: errors.New("db down")}
	archiver := &stubArchiver{}
	svc := NewService(&stubSource{}, nil, nil, states, Config{Archiver: archiver, Logger: observability.DiscardLogger()})
	if _, err := svc.RunOnce(context.Background(), runContext(signal.RevertLog)); err == nil {
		t.Fatalf("expected run state error")
	}
	if archiver.uploads != 0 {
		t.Fatalf("expected no archive upload without stored state")
	}
}

func TestRunOnceArchiveFailureIsNotFatal(t *testing.T) {
	states := &memoryRunStates{}
	svc := NewService(&stubSource{}, nil, nil, states, Config{
		Archiver: &stubArchiver{err: errors.New("denied")},
		Logger:   observability.DiscardLogger(),
	})
	eval, err := svc.RunOnce(context.Background(), runContext(signal.RevertLog))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if eval.ArchiveURI != "" || len(states.archives) != 0 || len(states.docs) != 1 {
		t.Fatalf("expected stored state without archive uri")
	}
}

func TestRunOnceRequiresSignalSource(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, Config{Logger: observability.DiscardLogger()})
	if _, err := svc.RunOnce(context.Background(), runContext(signal.RevertLog)); err == nil {
		t.Fatalf("expected missing source error")
	}
}
