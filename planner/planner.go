package planner

import (
	"context"

	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// ActionType names what an action group asks for.
type ActionType string

const (
	ActionRevert  ActionType = "revert"
	ActionRestart ActionType = "restart"
)

// ActionGroup is one coalesced action candidate built from one or more
// signals. WorkflowTarget is set for restarts only.
type ActionGroup struct {
	Type           ActionType
	CommitSHA      signal.Sha
	WorkflowTarget signal.WorkflowName
	Sources        []signal.SignalMetadata
}

// SignalOutcome pairs a signal with the outcome of its pattern detection.
type SignalOutcome struct {
	Signal  signal.Signal
	Outcome signal.Outcome
}

// Planner turns evaluated signals into action groups.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// PlanRequest contains the evaluated signals of one run.
type PlanRequest struct {
	Outcomes []SignalOutcome
}

// PlanResult is the outcome of the planning step.
type PlanResult struct {
	Groups []ActionGroup
}

// GroupingPlanner coalesces outcomes with GroupActions.
type GroupingPlanner struct{}

func (GroupingPlanner) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	return PlanResult{Groups: GroupActions(req.Outcomes)}, nil
}

type restartKey struct {
	workflow signal.WorkflowName
	sha      signal.Sha
}

// GroupActions groups reverts by suspected commit and restarts by
// (workflow, commit). Groups keep first-seen order, reverts before restarts.
// Ineligible outcomes produce nothing.
func GroupActions(pairs []SignalOutcome) []ActionGroup {
	var (
		revertOrder  []signal.Sha
		restartOrder []restartKey
		reverts      = map[signal.Sha][]signal.SignalMetadata{}
		restarts     = map[restartKey][]signal.SignalMetadata{}
	)

	for _, pair := range pairs {
		switch outcome := pair.Outcome.(type) {
		case *signal.AutorevertPattern:
			sha := outcome.SuspectedCommit
			if _, ok := reverts[sha]; !ok {
				revertOrder = append(revertOrder, sha)
			}
			reverts[sha] = append(reverts[sha], pair.Signal.Metadata(sha))
		case *signal.RestartCommits:
			for _, sha := range outcome.CommitSHAs {
				key := restartKey{workflow: pair.Signal.WorkflowName, sha: sha}
				if _, ok := restarts[key]; !ok {
					restartOrder = append(restartOrder, key)
				}
				restarts[key] = append(restarts[key], pair.Signal.Metadata(sha))
			}
		}
	}

	groups := make([]ActionGroup, 0, len(revertOrder)+len(restartOrder))
	for _, sha := range revertOrder {
		groups = append(groups, ActionGroup{
			Type:      ActionRevert,
			CommitSHA: sha,
			Sources:   reverts[sha],
		})
	}
	for _, key := range restartOrder {
		groups = append(groups, ActionGroup{
			Type:           ActionRestart,
			CommitSHA:      key.sha,
			WorkflowTarget: key.workflow,
			Sources:        restarts[key],
		})
	}
	return groups
}
