package orchestrator

import (
	"context"

	"github.com/izavyalov-dev/ci-autorevert/state"
)

// RunStateStore persists evaluation snapshots.
type RunStateStore interface {
	InsertRunState(ctx context.Context, doc state.RunState) (state.RunStateRecord, error)
	SetRunStateArchiveURI(ctx context.Context, evaluationID, uri string) error
	GetLatestRunState(ctx context.Context, repo string) (state.RunStateRecord, error)
}

// NoopRunStateStore drops snapshots.
type NoopRunStateStore struct{}

func (NoopRunStateStore) InsertRunState(ctx context.Context, doc state.RunState) (state.RunStateRecord, error) {
	return state.RunStateRecord{EvaluationID: doc.Meta.EvaluationID, Repo: doc.Meta.Repo}, nil
}

func (NoopRunStateStore) SetRunStateArchiveURI(ctx context.Context, evaluationID, uri string) error {
	return nil
}

func (NoopRunStateStore) GetLatestRunState(ctx context.Context, repo string) (state.RunStateRecord, error) {
	return state.RunStateRecord{}, state.ErrNotFound
}
