package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// RunContextFunc builds the run context for an evaluation starting at now.
type RunContextFunc func(now time.Time) signal.RunContext

// Scheduler runs evaluations on a fixed interval and on demand.
type Scheduler struct {
	service    *Service
	interval   time.Duration
	runContext RunContextFunc
	trigger    chan struct{}
	now        func() time.Time
	logger     *slog.Logger
}

func NewScheduler(service *Service, interval time.Duration, runContext RunContextFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.scheduler")
	}
	return &Scheduler{
		service:    service,
		interval:   interval,
		runContext: runContext,
		trigger:    make(chan struct{}, 1),
		now:        time.Now,
		logger:     logger,
	}
}

// Trigger requests an evaluation. Requests arriving while one is already
// pending are coalesced; the result reports whether a new one was queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run evaluates immediately, then on every tick or trigger until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	var ticks <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	s.runOnce(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			s.runOnce(ctx, "interval")
		case <-s.trigger:
			s.runOnce(ctx, "trigger")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	rc := s.runContext(s.now())
	eval, err := s.service.RunOnce(ctx, rc)
	if err != nil {
		s.logger.Error("evaluation failed", "event", "evaluation_failed", "reason", reason, "evaluation_id", eval.ID, "error", err)
		return
	}
	s.logger.Info("evaluation finished", "event", "evaluation_finished", "reason", reason, "evaluation_id", eval.ID, "executed", eval.Executed())
}
