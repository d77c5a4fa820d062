package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/planner"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// RunStateVersion is the schema version of RunState documents.
const RunStateVersion = 2

// RunState is the grid-like snapshot of one evaluation: commits newest first,
// one column per signal and the outcome of each signal.
type RunState struct {
	Version     int                        `json:"version"`
	Commits     []string                   `json:"commits"`
	CommitTimes map[string]string          `json:"commit_times"`
	Columns     []RunStateColumn           `json:"columns"`
	Outcomes    map[string]RunStateOutcome `json:"outcomes"`
	Meta        RunStateMeta               `json:"meta"`
}

type RunStateColumn struct {
	Workflow    string                    `json:"workflow"`
	Key         string                    `json:"key"`
	Outcome     string                    `json:"outcome"`
	Cells       map[string][]RunStateCell `json:"cells"`
	JobBaseName string                    `json:"job_base_name,omitempty"`
	Ineligible  *RunStateIneligible       `json:"ineligible,omitempty"`
}

type RunStateCell struct {
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	Name       string `json:"name"`
	JobID      int64  `json:"job_id,omitempty"`
	RunAttempt int    `json:"run_attempt,omitempty"`
	WfRunID    int64  `json:"wf_run_id,omitempty"`
}

type RunStateIneligible struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type RunStateOutcome struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type RunStateMeta struct {
	Repo          string   `json:"repo"`
	Workflows     []string `json:"workflows"`
	LookbackHours int      `json:"lookback_hours"`
	TS            string   `json:"ts"`
	RestartAction string   `json:"restart_action"`
	RevertAction  string   `json:"revert_action"`
	EvaluationID  string   `json:"evaluation_id"`
}

// DryRun reports whether the evaluation could not cause side effects.
func (m RunStateMeta) DryRun() bool {
	return !signal.RestartAction(m.RestartAction).SideEffects() && !signal.RevertAction(m.RevertAction).SideEffects()
}

// BuildRunState assembles the snapshot of one evaluation.
func BuildRunState(rc signal.RunContext, evaluationID string, pairs []planner.SignalOutcome) RunState {
	doc := RunState{
		Version:     RunStateVersion,
		CommitTimes: map[string]string{},
		Outcomes:    map[string]RunStateOutcome{},
		Columns:     []RunStateColumn{},
		Commits:     []string{},
	}

	commitTimes := map[string]time.Time{}
	for _, pair := range pairs {
		for _, c := range pair.Signal.Commits {
			sha := string(c.HeadSHA)
			if _, ok := commitTimes[sha]; ok {
				continue
			}
			commitTimes[sha] = c.Timestamp
			doc.Commits = append(doc.Commits, sha)
			doc.CommitTimes[sha] = c.Timestamp.UTC().Format(time.RFC3339)
		}
	}
	sort.SliceStable(doc.Commits, func(i, j int) bool {
		return commitTimes[doc.Commits[i]].After(commitTimes[doc.Commits[j]])
	})

	for _, pair := range pairs {
		sig := pair.Signal
		col := RunStateColumn{
			Workflow:    string(sig.WorkflowName),
			Key:         sig.Key,
			Cells:       map[string][]RunStateCell{},
			JobBaseName: string(sig.JobBaseName),
		}
		var serialized RunStateOutcome
		switch outcome := pair.Outcome.(type) {
		case *signal.AutorevertPattern:
			col.Outcome = "revert"
			serialized = RunStateOutcome{Type: "AutorevertPattern", Data: map[string]any{
				"workflow_name":           string(outcome.WorkflowName),
				"suspected_commit":        string(outcome.SuspectedCommit),
				"older_successful_commit": string(outcome.OlderSuccessfulCommit),
				"newer_failing_commits":   shaStrings(outcome.NewerFailingCommits, false),
			}}
		case *signal.RestartCommits:
			col.Outcome = "restart"
			serialized = RunStateOutcome{Type: "RestartCommits", Data: map[string]any{
				"commit_shas": shaStrings(outcome.CommitSHAs, true),
			}}
		case *signal.Ineligible:
			col.Outcome = "ineligible"
			col.Ineligible = &RunStateIneligible{Reason: string(outcome.Reason), Message: outcome.Message}
			serialized = RunStateOutcome{Type: "Ineligible", Data: map[string]any{
				"reason":  string(outcome.Reason),
				"message": outcome.Message,
			}}
		default:
			continue
		}

		for _, c := range sig.Commits {
			if len(c.Events) == 0 {
				continue
			}
			cells := make([]RunStateCell, 0, len(c.Events))
			for _, e := range c.Events {
				cells = append(cells, RunStateCell{
					Status:     string(e.Status),
					StartedAt:  e.StartedAt.UTC().Format(time.RFC3339),
					Name:       e.Name,
					JobID:      int64(e.JobID),
					RunAttempt: int(e.RunAttempt),
					WfRunID:    int64(e.WfRunID),
				})
			}
			col.Cells[string(c.HeadSHA)] = cells
		}
		doc.Columns = append(doc.Columns, col)
		doc.Outcomes[string(sig.WorkflowName)+":"+sig.Key] = serialized
	}

	workflows := make([]string, 0, len(rc.Workflows))
	for _, wf := range rc.Workflows {
		workflows = append(workflows, string(wf))
	}
	doc.Meta = RunStateMeta{
		Repo:          rc.RepoFullName,
		Workflows:     workflows,
		LookbackHours: rc.LookbackHours,
		TS:            rc.TS.UTC().Format(time.RFC3339),
		RestartAction: string(rc.RestartAction),
		RevertAction:  string(rc.RevertAction),
		EvaluationID:  evaluationID,
	}
	return doc
}

func shaStrings(shas []signal.Sha, sorted bool) []string {
	out := make([]string, 0, len(shas))
	for _, sha := range shas {
		out = append(out, string(sha))
	}
	if sorted {
		sort.Strings(out)
	}
	return out
}

// InsertRunState stores one evaluation snapshot and returns the stored row.
func (s *Store) InsertRunState(ctx context.Context, doc RunState) (RunStateRecord, error) {
	if doc.Meta.EvaluationID == "" || doc.Meta.Repo == "" {
		return RunStateRecord{}, errors.New("evaluation_id and repo are required")
	}
	ts, err := time.Parse(time.RFC3339, doc.Meta.TS)
	if err != nil {
		return RunStateRecord{}, fmt.Errorf("parse run state ts: %w", err)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return RunStateRecord{}, fmt.Errorf("encode run state: %w", err)
	}
	workflows, err := encodeStrings(doc.Meta.Workflows)
	if err != nil {
		return RunStateRecord{}, err
	}

	record := RunStateRecord{
		EvaluationID:  doc.Meta.EvaluationID,
		Repo:          doc.Meta.Repo,
		TS:            ts,
		DryRun:        doc.Meta.DryRun(),
		Workflows:     doc.Meta.Workflows,
		LookbackHours: doc.Meta.LookbackHours,
		State:         payload,
	}
	err = s.db.QueryRowContext(ctx, `
INSERT INTO autorevert_state (evaluation_id, ts, repo, state, dry_run, workflows, lookback_hours)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at
`, record.EvaluationID, ts, record.Repo, payload, record.DryRun, workflows, record.LookbackHours).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return RunStateRecord{}, fmt.Errorf("insert run state: %w", err)
	}
	return record, nil
}

// SetRunStateArchiveURI records where a snapshot was archived.
func (s *Store) SetRunStateArchiveURI(ctx context.Context, evaluationID, uri string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE autorevert_state SET archive_uri = $2 WHERE evaluation_id = $1
`, evaluationID, uri)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: run state %s", ErrNotFound, evaluationID)
	}
	return nil
}

// GetLatestRunState returns the newest snapshot for repo.
func (s *Store) GetLatestRunState(ctx context.Context, repo string) (RunStateRecord, error) {
	var (
		record    RunStateRecord
		workflows []byte
		archive   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, evaluation_id, ts, repo, state, dry_run, workflows, lookback_hours, archive_uri, created_at
FROM autorevert_state
WHERE repo = $1
ORDER BY ts DESC, id DESC
LIMIT 1
`, repo).Scan(&record.ID, &record.EvaluationID, &record.TS, &record.Repo, &record.State, &record.DryRun, &workflows, &record.LookbackHours, &archive, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunStateRecord{}, fmt.Errorf("%w: run state for %s", ErrNotFound, repo)
		}
		return RunStateRecord{}, err
	}
	if err := json.Unmarshal(workflows, &record.Workflows); err != nil {
		return RunStateRecord{}, fmt.Errorf("decode workflows: %w", err)
	}
	if archive.Valid {
		record.ArchiveURI = &archive.String
	}
	return record, nil
}
