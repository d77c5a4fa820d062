package orchestrator

import (
	"context"

	"github.com/izavyalov-dev/ci-autorevert/actions"
	"github.com/izavyalov-dev/ci-autorevert/planner"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// Executor carries out one action group.
type Executor interface {
	Execute(ctx context.Context, group planner.ActionGroup, rc signal.RunContext) (bool, error)
}

// ExecutorFactory builds an executor per worker. Executors are not shared
// between workers.
type ExecutorFactory func() Executor

// ProcessorFactory returns a factory building action processors over shared
// collaborators.
func ProcessorFactory(audit actions.ActionLogger, restarter actions.WorkflowRestarter, github actions.GitHubClient, publisher actions.Publisher, config actions.Config) ExecutorFactory {
	return func() Executor {
		return actions.NewProcessor(audit, restarter, github, publisher, config)
	}
}

// NoopExecutor executes nothing.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, group planner.ActionGroup, rc signal.RunContext) (bool, error) {
	return false, nil
}
