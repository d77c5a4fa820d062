package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertActionEvent appends one row to the audit log.
func (s *Store) InsertActionEvent(ctx context.Context, ev ActionEvent) (ActionEvent, error) {
	if ev.Repo == "" || ev.CommitSHA == "" {
		return ActionEvent{}, errors.New("repo and commit_sha are required")
	}
	if ev.Action != ActionRestart && ev.Action != ActionRevert {
		return ActionEvent{}, fmt.Errorf("unknown action %q", ev.Action)
	}
	if ev.TS.IsZero() {
		return ActionEvent{}, errors.New("ts is required")
	}

	workflows, err := encodeStrings(ev.Workflows)
	if err != nil {
		return ActionEvent{}, err
	}
	keys, err := encodeStrings(ev.SourceSignalKeys)
	if err != nil {
		return ActionEvent{}, err
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO autorevert_events (ts, repo, action, commit_sha, workflows, source_signal_keys, dry_run, failed, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at
`, ev.TS.UTC(), ev.Repo, ev.Action, ev.CommitSHA, workflows, keys, ev.DryRun, ev.Failed, ev.Notes).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return ActionEvent{}, fmt.Errorf("insert action event: %w", err)
	}
	return ev, nil
}

// PriorRevertExists reports whether a non-dry-run revert was successfully
// recorded for the commit. Failed attempts do not block a retry.
func (s *Store) PriorRevertExists(ctx context.Context, repo, commitSHA string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (
    SELECT 1 FROM autorevert_events
    WHERE repo = $1 AND action = 'revert' AND commit_sha = $2 AND dry_run = FALSE AND failed = FALSE
)
`, repo, commitSHA).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("prior revert lookup: %w", err)
	}
	return exists, nil
}

// ListRestartAttempts returns non-dry-run restarts for q, newest first.
func (s *Store) ListRestartAttempts(ctx context.Context, q RestartQuery) ([]RestartAttempt, error) {
	workflow, err := encodeStrings([]string{q.Workflow})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT ts, failed
FROM autorevert_events
WHERE repo = $1
  AND action = 'restart'
  AND dry_run = FALSE
  AND commit_sha = $2
  AND workflows @> $3::jsonb
  AND ts >= $4
  AND ts <= $5
ORDER BY ts DESC
`, q.Repo, q.CommitSHA, workflow, q.Since.UTC(), q.AsOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("list restarts: %w", err)
	}
	defer rows.Close()

	var attempts []RestartAttempt
	for rows.Next() {
		var a RestartAttempt
		if err := rows.Scan(&a.TS, &a.Failed); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListActionEvents returns the most recent audit rows for a repo.
func (s *Store) ListActionEvents(ctx context.Context, repo string, limit int) ([]ActionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, ts, repo, action, commit_sha, workflows, source_signal_keys, dry_run, failed, notes, created_at
FROM autorevert_events
WHERE repo = $1
ORDER BY ts DESC, id DESC
LIMIT $2
`, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("list action events: %w", err)
	}
	defer rows.Close()

	var events []ActionEvent
	for rows.Next() {
		var (
			ev        ActionEvent
			workflows []byte
			keys      []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Repo, &ev.Action, &ev.CommitSHA, &workflows, &keys, &ev.DryRun, &ev.Failed, &ev.Notes, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(workflows, &ev.Workflows); err != nil {
			return nil, fmt.Errorf("decode workflows of event %d: %w", ev.ID, err)
		}
		if err := json.Unmarshal(keys, &ev.SourceSignalKeys); err != nil {
			return nil, fmt.Errorf("decode signal keys of event %d: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func encodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

// RestartWindow returns the inclusive lower bound for a lookback measured back
// from asOf. A zero lookback is unbounded.
func RestartWindow(asOf time.Time, lookback time.Duration) time.Time {
	if lookback <= 0 {
		return time.Unix(0, 0).UTC()
	}
	return asOf.Add(-lookback)
}
