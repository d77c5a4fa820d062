package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/planner"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

const (
	defaultMaxRestarts   = 2
	defaultPacingWindow  = 15 * time.Minute
	defaultHUDBaseURL    = "https://hud.pytorch.org"
	defaultGitHubBaseURL = "https://github.com"
	defaultRevertCommand = "@pytorchbot revert"
	defaultDisableLabel  = "autorevert: disable"
)

// Config holds the pacing policy and link settings of a Processor.
type Config struct {
	MaxRestarts  int
	PacingWindow time.Duration
	// FailureBackoff refuses restarts while the last failed dispatch is
	// younger than this. Zero disables it.
	FailureBackoff time.Duration
	HUDBaseURL     string
	GitHubBaseURL  string
	RevertCommand  string
	DisableLabel   string
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.PacingWindow <= 0 {
		c.PacingWindow = defaultPacingWindow
	}
	if c.FailureBackoff < 0 {
		c.FailureBackoff = 0
	}
	if c.HUDBaseURL == "" {
		c.HUDBaseURL = defaultHUDBaseURL
	}
	if c.GitHubBaseURL == "" {
		c.GitHubBaseURL = defaultGitHubBaseURL
	}
	if c.RevertCommand == "" {
		c.RevertCommand = defaultRevertCommand
	}
	if c.DisableLabel == "" {
		c.DisableLabel = defaultDisableLabel
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger("actions")
	}
	return c
}

// Processor executes action groups against GitHub and the audit log. A
// Processor is not safe for concurrent use; give each worker its own.
type Processor struct {
	audit     ActionLogger
	restarter WorkflowRestarter
	github    GitHubClient
	publisher Publisher
	config    Config
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewProcessor(audit ActionLogger, restarter WorkflowRestarter, github GitHubClient, publisher Publisher, config Config) *Processor {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	config = config.withDefaults()
	return &Processor{
		audit:     audit,
		restarter: restarter,
		github:    github,
		publisher: publisher,
		config:    config,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
}

// Execute routes a group to its executor. It reports whether an audit row was
// written.
func (p *Processor) Execute(ctx context.Context, group planner.ActionGroup, rc signal.RunContext) (bool, error) {
	switch group.Type {
	case planner.ActionRevert:
		return p.ExecuteRevert(ctx, group.CommitSHA, group.Sources, rc)
	case planner.ActionRestart:
		if group.WorkflowTarget == "" {
			return false, errors.New("restart requires a workflow target")
		}
		return p.ExecuteRestart(ctx, group.WorkflowTarget, group.CommitSHA, group.Sources, rc)
	default:
		return false, fmt.Errorf("unknown action type %q", group.Type)
	}
}

// ExecuteRestart dispatches a workflow restart when the restart cap and pacing
// allow it. Refusals are not errors and write nothing.
func (p *Processor) ExecuteRestart(ctx context.Context, workflow signal.WorkflowName, sha signal.Sha, sources []signal.SignalMetadata, rc signal.RunContext) (bool, error) {
	logger := observability.WithWorkflow(observability.WithCommit(p.logger, string(sha)), string(workflow))
	if rc.RestartAction == "" || rc.RestartAction == signal.RestartSkip {
		logger.Info("restart skipped", "event", "restart_skipped", "reason", "action_skip")
		p.metrics.IncAction(ActionRestart, "skipped")
		return false, nil
	}

	stats, err := p.audit.RestartStats(ctx, RestartStatsQuery{
		Repo:      rc.RepoFullName,
		Workflow:  workflow,
		CommitSHA: sha,
		Pacing:    p.config.PacingWindow,
		Lookback:  time.Duration(rc.LookbackHours) * time.Hour,
		AsOf:      rc.TS,
	})
	if err != nil {
		return false, fmt.Errorf("restart stats: %w", err)
	}
	if reason := p.refuseRestart(stats); reason != "" {
		logger.Info("restart refused", "event", "restart_refused", "reason", reason, "total_restarts", stats.TotalRestarts)
		p.metrics.IncAction(ActionRestart, "refused")
		return false, nil
	}

	event := Event{
		Repo:             rc.RepoFullName,
		TS:               rc.TS,
		Action:           ActionRestart,
		CommitSHA:        sha,
		Workflows:        []string{string(workflow)},
		SourceSignalKeys: sourceKeys(sources),
		DryRun:           !rc.RestartAction.SideEffects(),
	}

	if rc.RestartAction.SideEffects() {
		if err := p.restarter.RestartWorkflow(ctx, workflow, sha); err != nil {
			event.Failed = true
			event.Notes = err.Error()
			if logErr := p.audit.InsertEvent(ctx, event); logErr != nil {
				logger.Error("failed to record restart failure", "event", "audit_insert_failed", "error", logErr)
			}
			logger.Error("restart dispatch failed", "event", "restart_failed", "error", err)
			p.metrics.IncAction(ActionRestart, "failed")
			return false, fmt.Errorf("restart %s at %s: %w", workflow, sha, err)
		}
		logger.Info("restart dispatched", "event", "restart_dispatched")
	} else {
		logger.Info("restart would be dispatched", "event", "restart_logged")
	}

	if err := p.audit.InsertEvent(ctx, event); err != nil {
		return true, fmt.Errorf("record restart: %w", err)
	}
	p.metrics.IncAction(ActionRestart, resultLabel(event.DryRun))
	return true, nil
}

func (p *Processor) refuseRestart(stats signal.RestartStats) string {
	if stats.TotalRestarts >= p.config.MaxRestarts {
		return "cap_reached"
	}
	if stats.HasSuccessWithinWindow {
		return "pacing"
	}
	if p.config.FailureBackoff > 0 && stats.SecsSinceLastFailure != nil {
		if time.Duration(*stats.SecsSinceLastFailure)*time.Second < p.config.FailureBackoff {
			return "failure_backoff"
		}
	}
	return ""
}

// ExecuteRevert records a revert decision for a commit unless one was already
// recorded. It reports whether an audit row was written.
func (p *Processor) ExecuteRevert(ctx context.Context, sha signal.Sha, sources []signal.SignalMetadata, rc signal.RunContext) (bool, error) {
	logger := observability.WithCommit(p.logger, string(sha))
	if rc.RevertAction == "" || rc.RevertAction == signal.RevertSkip {
		logger.Info("revert skipped", "event", "revert_skipped", "reason", "action_skip")
		p.metrics.IncAction(ActionRevert, "skipped")
		return false, nil
	}

	exists, err := p.audit.PriorRevertExists(ctx, rc.RepoFullName, sha)
	if err != nil {
		return false, fmt.Errorf("prior revert lookup: %w", err)
	}
	if exists {
		logger.Info("revert already recorded", "event", "revert_skipped", "reason", "prior_revert")
		p.metrics.IncAction(ActionRevert, "duplicate")
		return false, nil
	}

	event := Event{
		Repo:             rc.RepoFullName,
		TS:               rc.TS,
		Action:           ActionRevert,
		CommitSHA:        sha,
		Workflows:        sourceWorkflows(sources),
		SourceSignalKeys: sourceKeys(sources),
		DryRun:           !rc.RevertAction.SideEffects(),
	}

	result, err := p.commentIssuePRRevert(ctx, sha, sources, rc)
	if err != nil {
		if result.attempted {
			event.Failed = true
			event.Notes = err.Error()
			if logErr := p.audit.InsertEvent(ctx, event); logErr != nil {
				logger.Error("failed to record revert failure", "event", "audit_insert_failed", "error", logErr)
			}
		}
		p.metrics.IncAction(ActionRevert, "failed")
		return false, err
	}
	if !result.found {
		logger.Info("no pull request attributed to commit", "event", "revert_skipped", "reason", "no_pr")
		p.metrics.IncAction(ActionRevert, "unattributed")
		return false, nil
	}

	event.Notes = result.notes()
	if err := p.audit.InsertEvent(ctx, event); err != nil {
		return false, fmt.Errorf("record revert: %w", err)
	}
	p.metrics.IncAction(ActionRevert, resultLabel(event.DryRun))

	if result.notified {
		if err := p.publishDecision(ctx, sha, sources, rc, result); err != nil {
			return true, err
		}
	}
	return true, nil
}

func resultLabel(dryRun bool) string {
	if dryRun {
		return "logged"
	}
	return "executed"
}

func sourceKeys(sources []signal.SignalMetadata) []string {
	keys := make([]string, 0, len(sources))
	for _, s := range sources {
		keys = append(keys, s.Key)
	}
	return keys
}

// sourceWorkflows returns the distinct workflow names in first-seen order.
func sourceWorkflows(sources []signal.SignalMetadata) []string {
	seen := make(map[signal.WorkflowName]struct{}, len(sources))
	var out []string
	for _, s := range sources {
		if _, ok := seen[s.WorkflowName]; ok {
			continue
		}
		seen[s.WorkflowName] = struct{}{}
		out = append(out, string(s.WorkflowName))
	}
	return out
}
