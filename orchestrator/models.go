package orchestrator

import (
	"github.com/izavyalov-dev/ci-autorevert/planner"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// Evaluation summarises one autorevert evaluation.
type Evaluation struct {
	ID                    string         `json:"evaluation_id"`
	Repo                  string         `json:"repo"`
	TS                    string         `json:"ts"`
	RestartAction         string         `json:"restart_action"`
	RevertAction          string         `json:"revert_action"`
	Signals               int            `json:"signals"`
	Outcomes              map[string]int `json:"outcomes"`
	CircuitBreakerTripped bool           `json:"circuit_breaker_tripped"`
	ArchiveURI            string         `json:"archive_uri,omitempty"`
	Actions               []ActionResult `json:"actions"`
}

// ActionResult is the result of executing one action group.
type ActionResult struct {
	Type      planner.ActionType  `json:"type"`
	CommitSHA signal.Sha          `json:"commit_sha"`
	Workflow  signal.WorkflowName `json:"workflow,omitempty"`
	Signals   int                 `json:"signals"`
	Executed  bool                `json:"executed"`
	Error     string              `json:"error,omitempty"`
}

// Executed counts action groups that recorded an action.
func (e Evaluation) Executed() int {
	n := 0
	for _, a := range e.Actions {
		if a.Executed {
			n++
		}
	}
	return n
}

// Failed counts action groups that returned an error.
func (e Evaluation) Failed() int {
	n := 0
	for _, a := range e.Actions {
		if a.Error != "" {
			n++
		}
	}
	return n
}
