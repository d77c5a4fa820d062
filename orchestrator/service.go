package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/ci-autorevert/internal/archive"
	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/planner"
	"github.com/izavyalov-dev/ci-autorevert/signal"
	"github.com/izavyalov-dev/ci-autorevert/state"
)

const defaultWorkers = 4

// SignalSource extracts signals for one evaluation.
type SignalSource interface {
	Extract(ctx context.Context, rc signal.RunContext) ([]signal.Signal, error)
}

// Breaker reports whether reverts are paused for a repo.
type Breaker interface {
	Tripped(ctx context.Context, repo string) bool
}

// Config tunes a Service. Zero values select defaults.
type Config struct {
	Workers  int
	Archiver archive.Archiver
	Breaker  Breaker
	IDs      IDGenerator
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Service runs autorevert evaluations: extract signals, detect patterns,
// record the run state and execute grouped actions.
type Service struct {
	signals   SignalSource
	planner   planner.Planner
	executors ExecutorFactory
	states    RunStateStore
	archiver  archive.Archiver
	breaker   Breaker
	ids       IDGenerator
	workers   int
	logger    *slog.Logger
	metrics   *observability.Metrics

	// evaluations never overlap
	mu sync.Mutex
}

// NewService constructs an orchestrator service with sensible defaults.
func NewService(signals SignalSource, plan planner.Planner, executors ExecutorFactory, states RunStateStore, config Config) *Service {
	if plan == nil {
		plan = planner.GroupingPlanner{}
	}
	if executors == nil {
		executors = func() Executor { return NoopExecutor{} }
	}
	if states == nil {
		states = NoopRunStateStore{}
	}
	if config.Archiver == nil {
		config.Archiver = archive.Noop{}
	}
	if config.IDs == nil {
		config.IDs = UUIDGenerator{}
	}
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("orchestrator")
	}
	return &Service{
		signals:   signals,
		planner:   plan,
		executors: executors,
		states:    states,
		archiver:  config.Archiver,
		breaker:   config.Breaker,
		ids:       config.IDs,
		workers:   config.Workers,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
}

// RunOnce performs one evaluation anchored at rc.TS. Action failures are
// reported per group in the result; the returned error covers extraction,
// planning and run state persistence.
func (s *Service) RunOnce(ctx context.Context, rc signal.RunContext) (Evaluation, error) {
	if s.signals == nil {
		return Evaluation{}, errors.New("signal source is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	eval := Evaluation{
		ID:       s.ids.EvaluationID(),
		Repo:     rc.RepoFullName,
		TS:       rc.TS.UTC().Format(time.RFC3339),
		Outcomes: map[string]int{},
	}
	logger := observability.WithEvaluation(s.logger, eval.ID)
	started := time.Now()

	if rc.RevertAction.SideEffects() && s.breaker != nil && s.breaker.Tripped(ctx, rc.RepoFullName) {
		logger.Warn("circuit breaker tripped, reverts downgraded to log", "event", "circuit_breaker_tripped", "repo", rc.RepoFullName, "revert_action", string(rc.RevertAction))
		rc.RevertAction = signal.RevertLog
		eval.CircuitBreakerTripped = true
	}
	eval.RestartAction = string(rc.RestartAction)
	eval.RevertAction = string(rc.RevertAction)

	signals, err := s.signals.Extract(ctx, rc)
	if err != nil {
		s.metrics.IncFailure("extraction")
		s.metrics.IncEvaluation("failed")
		return eval, fmt.Errorf("extract signals: %w", err)
	}
	eval.Signals = len(signals)

	pairs := make([]planner.SignalOutcome, 0, len(signals))
	for _, sig := range signals {
		outcome := sig.DetectPattern()
		kind := outcome.OutcomeType()
		eval.Outcomes[kind]++
		s.metrics.IncSignal(kind)
		pairs = append(pairs, planner.SignalOutcome{Signal: sig, Outcome: outcome})
	}

	plan, err := s.planner.Plan(ctx, planner.PlanRequest{Outcomes: pairs})
	if err != nil {
		s.metrics.IncEvaluation("failed")
		return eval, fmt.Errorf("plan actions: %w", err)
	}
	logger.Info("signals evaluated",
		"event", "signals_evaluated",
		"signals", eval.Signals,
		"outcomes", eval.Outcomes,
		"groups", len(plan.Groups),
	)

	eval.Actions, err = s.execute(ctx, plan.Groups, rc, logger)
	if err != nil {
		s.metrics.IncEvaluation("failed")
		return eval, err
	}

	uri, err := s.recordRunState(ctx, rc, eval.ID, pairs)
	eval.ArchiveURI = uri
	if err != nil {
		s.metrics.IncFailure("run_state")
		s.metrics.IncEvaluation("failed")
		return eval, err
	}

	result := "ok"
	if eval.Failed() > 0 {
		result = "partial"
	}
	s.metrics.IncEvaluation(result)
	logger.Info("evaluation complete",
		"event", "evaluation_complete",
		"executed", eval.Executed(),
		"failed", eval.Failed(),
		"circuit_breaker", eval.CircuitBreakerTripped,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return eval, nil
}

// execute runs groups on a bounded pool. Each worker builds its own executor.
func (s *Service) execute(ctx context.Context, groups []planner.ActionGroup, rc signal.RunContext, logger *slog.Logger) ([]ActionResult, error) {
	results := make([]ActionResult, len(groups))
	if len(groups) == 0 {
		return results, nil
	}
	workers := s.workers
	if workers > len(groups) {
		workers = len(groups)
	}

	work := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for i := range groups {
			select {
			case work <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			executor := s.executors()
			for i := range work {
				results[i] = s.executeGroup(gctx, executor, groups[i], rc, logger)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("execute actions: %w", err)
	}
	return results, nil
}

func (s *Service) executeGroup(ctx context.Context, executor Executor, group planner.ActionGroup, rc signal.RunContext, logger *slog.Logger) ActionResult {
	result := ActionResult{
		Type:      group.Type,
		CommitSHA: group.CommitSHA,
		Workflow:  group.WorkflowTarget,
		Signals:   len(group.Sources),
	}
	executed, err := executor.Execute(ctx, group, rc)
	result.Executed = executed
	if err != nil {
		result.Error = err.Error()
		s.metrics.IncFailure("action_" + string(group.Type))
		observability.WithCommit(logger, string(group.CommitSHA)).Error("action failed",
			"event", "action_failed",
			"action", string(group.Type),
			"workflow", string(group.WorkflowTarget),
			"error", err,
		)
	}
	return result
}

func (s *Service) recordRunState(ctx context.Context, rc signal.RunContext, evaluationID string, pairs []planner.SignalOutcome) (string, error) {
	doc := state.BuildRunState(rc, evaluationID, pairs)
	if _, err := s.states.InsertRunState(ctx, doc); err != nil {
		return "", fmt.Errorf("record run state: %w", err)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode run state: %w", err)
	}
	uri, err := s.archiver.ArchiveRunState(ctx, rc.RepoFullName, evaluationID, rc.TS, payload)
	if err != nil {
		// archive copies are best effort
		s.metrics.IncFailure("archive")
		s.logger.Warn("run state archive failed", "event", "run_state_archive_failed", "evaluation_id", evaluationID, "error", err)
		return "", nil
	}
	if uri == "" {
		return "", nil
	}
	if err := s.states.SetRunStateArchiveURI(ctx, evaluationID, uri); err != nil {
		return uri, fmt.Errorf("record archive uri: %w", err)
	}
	return uri, nil
}

// LatestRunState returns the newest stored snapshot for repo.
func (s *Service) LatestRunState(ctx context.Context, repo string) (state.RunStateRecord, error) {
	return s.states.GetLatestRunState(ctx, repo)
}
