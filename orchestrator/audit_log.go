package orchestrator

import (
	"context"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/actions"
	"github.com/izavyalov-dev/ci-autorevert/signal"
	"github.com/izavyalov-dev/ci-autorevert/state"
)

type auditLog struct {
	store *state.Store
}

// NewAuditLog exposes the state store as the action processor's audit log.
func NewAuditLog(store *state.Store) actions.ActionLogger {
	if store == nil {
		return nil
	}
	return auditLog{store: store}
}

func (a auditLog) PriorRevertExists(ctx context.Context, repo string, sha signal.Sha) (bool, error) {
	return a.store.PriorRevertExists(ctx, repo, string(sha))
}

func (a auditLog) RestartStats(ctx context.Context, q actions.RestartStatsQuery) (signal.RestartStats, error) {
	return a.store.RestartStats(ctx, state.RestartQuery{
		Repo:      q.Repo,
		Workflow:  string(q.Workflow),
		CommitSHA: string(q.CommitSHA),
		Since:     state.RestartWindow(q.AsOf, q.Lookback),
		AsOf:      q.AsOf,
	}, q.Pacing)
}

func (a auditLog) InsertEvent(ctx context.Context, ev actions.Event) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := a.store.InsertActionEvent(ctx, state.ActionEvent{
		Repo:             ev.Repo,
		TS:               ts.UTC(),
		Action:           ev.Action,
		CommitSHA:        string(ev.CommitSHA),
		Workflows:        ev.Workflows,
		SourceSignalKeys: ev.SourceSignalKeys,
		DryRun:           ev.DryRun,
		Failed:           ev.Failed,
		Notes:            ev.Notes,
	})
	return err
}
