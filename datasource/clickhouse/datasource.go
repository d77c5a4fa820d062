package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	chgo "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/izavyalov-dev/ci-autorevert/extraction"
	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

const (
	defaultTestChunkSize = 300
	defaultMainRef       = "refs/heads/main"
	defaultDialTimeout   = 10 * time.Second
)

// Config describes how to reach the CI warehouse.
type Config struct {
	Addr        []string
	Database    string
	Username    string
	Password    string
	Secure      bool
	DialTimeout time.Duration
}

// Open returns a database/sql handle backed by the ClickHouse native driver.
func Open(cfg Config) (*sql.DB, error) {
	if len(cfg.Addr) == 0 {
		return nil, errors.New("clickhouse address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	opts := &chgo.Options{
		Addr: cfg.Addr,
		Auth: chgo.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.Secure {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return chgo.OpenDB(opts), nil
}

// Datasource reads pushes, workflow jobs and test verdicts from the CI
// warehouse. It is safe for concurrent use.
type Datasource struct {
	db        *sql.DB
	logger    *slog.Logger
	chunkSize int
	mainRef   string
}

func NewDatasource(db *sql.DB, logger *slog.Logger) *Datasource {
	if logger == nil {
		logger = observability.NewLogger("datasource.clickhouse")
	}
	return &Datasource{
		db:        db,
		logger:    logger,
		chunkSize: defaultTestChunkSize,
		mainRef:   defaultMainRef,
	}
}

var _ extraction.Datasource = (*Datasource)(nil)

func windowStart(asOf time.Time, lookbackHours int) time.Time {
	return asOf.Add(-time.Duration(lookbackHours) * time.Hour).UTC()
}

func (d *Datasource) FetchCommitsInTimeRange(ctx context.Context, q extraction.CommitQuery) ([]signal.CommitRef, error) {
	started := time.Now()
	rows, err := d.db.QueryContext(ctx, `
SELECT head_commit.id AS sha, max(head_commit.timestamp) AS ts
FROM default.push
WHERE repository.full_name = ?
  AND ref = ?
  AND head_commit.timestamp >= ?
  AND head_commit.timestamp <= ?
GROUP BY sha
ORDER BY ts DESC
`, q.Repo, d.mainRef, windowStart(q.AsOf, q.LookbackHours), q.AsOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("query pushes: %w", err)
	}
	defer rows.Close()

	var commits []signal.CommitRef
	for rows.Next() {
		var (
			sha string
			ts  time.Time
		)
		if err := rows.Scan(&sha, &ts); err != nil {
			return nil, err
		}
		commits = append(commits, signal.CommitRef{SHA: signal.Sha(sha), Timestamp: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	d.logger.Info("commits fetched", "event", "commits_fetched", "repo", q.Repo, "count", len(commits), "elapsed_ms", time.Since(started).Milliseconds())
	return commits, nil
}

// FetchJobsForWorkflows reads job rows with the keep-going adjusted
// conclusion, so jobs still running after a detected failure report failure.
func (d *Datasource) FetchJobsForWorkflows(ctx context.Context, q extraction.JobQuery) ([]signal.JobRow, error) {
	if len(q.HeadSHAs) == 0 {
		return nil, nil
	}
	shas := make([]string, 0, len(q.HeadSHAs))
	for _, sha := range q.HeadSHAs {
		shas = append(shas, string(sha))
	}

	query := `
SELECT
    wf.head_sha,
    wf.workflow_name,
    wf.id,
    wf.run_id,
    wf.run_attempt,
    wf.name,
    wf.status,
    wf.conclusion_kg,
    wf.started_at,
    wf.created_at,
    tupleElement(wf.torchci_classification_kg, 'rule')
FROM default.workflow_job AS wf FINAL
WHERE wf.repository_full_name = ?
  AND has(?, wf.head_sha)
  AND wf.created_at >= ?`
	args := []any{q.Repo, shas, windowStart(q.AsOf, q.LookbackHours)}
	if len(q.Workflows) > 0 {
		workflows := make([]string, 0, len(q.Workflows))
		for _, wf := range q.Workflows {
			workflows = append(workflows, string(wf))
		}
		query += `
  AND has(?, wf.workflow_name)`
		args = append(args, workflows)
	}
	query += `
ORDER BY wf.head_sha, wf.started_at, wf.run_id, wf.run_attempt, wf.name`

	started := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow jobs: %w", err)
	}
	defer rows.Close()

	var jobs []signal.JobRow
	for rows.Next() {
		var (
			row                     signal.JobRow
			headSHA, workflow, name string
			jobID, runID, attempt   int64
			status, conclusion      sql.NullString
			startedAt, createdAt    time.Time
			rule                    sql.NullString
		)
		if err := rows.Scan(&headSHA, &workflow, &jobID, &runID, &attempt, &name, &status, &conclusion, &startedAt, &createdAt, &rule); err != nil {
			return nil, err
		}
		row.HeadSHA = signal.Sha(headSHA)
		row.WorkflowName = signal.WorkflowName(workflow)
		row.JobID = signal.JobID(jobID)
		row.WfRunID = signal.WfRunID(runID)
		row.RunAttempt = signal.RunAttempt(attempt)
		row.Name = signal.JobName(name)
		row.Status = status.String
		row.Conclusion = conclusion.String
		row.StartedAt = startedAt
		row.CreatedAt = createdAt
		row.Rule = rule.String
		jobs = append(jobs, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	d.logger.Info("jobs fetched", "event", "jobs_fetched", "repo", q.Repo, "count", len(jobs), "elapsed_ms", time.Since(started).Milliseconds())
	return jobs, nil
}

// FetchTestsForJobIDs returns per-job verdicts for tests that failed in at
// least one of failedJobIDs. Job ids are queried in chunks.
func (d *Datasource) FetchTestsForJobIDs(ctx context.Context, jobIDs, failedJobIDs []signal.JobID) ([]signal.TestRow, error) {
	if len(jobIDs) == 0 || len(failedJobIDs) == 0 {
		return nil, nil
	}
	failed := toInt64s(failedJobIDs)

	var tests []signal.TestRow
	chunks := chunkJobIDs(jobIDs, d.chunkSize)
	for i, chunk := range chunks {
		d.logger.Debug("fetching test batch", "event", "tests_batch", "batch", i+1, "batches", len(chunks), "size", len(chunk))
		batch, err := d.fetchTestChunk(ctx, toInt64s(chunk), failed)
		if err != nil {
			return nil, fmt.Errorf("test batch %d/%d: %w", i+1, len(chunks), err)
		}
		tests = append(tests, batch...)
	}
	d.logger.Info("tests fetched", "event", "tests_fetched", "job_ids", len(jobIDs), "count", len(tests))
	return tests, nil
}

func (d *Datasource) fetchTestChunk(ctx context.Context, jobIDs, failedJobIDs []int64) ([]signal.TestRow, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT
    job_id,
    workflow_id,
    workflow_run_attempt,
    file,
    classname,
    name,
    countIf(failure_count > 0 OR error_count > 0) AS failure_runs,
    countIf(failure_count = 0 AND error_count = 0 AND skipped_count = 0) AS success_runs
FROM default.test_run_s3
WHERE has(?, job_id)
  AND (file, name) IN (
      SELECT file, name
      FROM default.test_run_s3
      WHERE has(?, job_id) AND (failure_count > 0 OR error_count > 0)
  )
GROUP BY job_id, workflow_id, workflow_run_attempt, file, classname, name
`, jobIDs, failedJobIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []signal.TestRow
	for rows.Next() {
		var (
			jobID, runID, attempt int64
			file, classname, name string
			failures, successes   uint64
		)
		if err := rows.Scan(&jobID, &runID, &attempt, &file, &classname, &name, &failures, &successes); err != nil {
			return nil, err
		}
		tests = append(tests, signal.TestRow{
			JobID:              signal.JobID(jobID),
			WfRunID:            signal.WfRunID(runID),
			WorkflowRunAttempt: signal.RunAttempt(attempt),
			File:               strings.TrimSpace(file),
			Classname:          classname,
			Name:               name,
			FailureRuns:        int(failures),
			SuccessRuns:        int(successes),
		})
	}
	return tests, rows.Err()
}

func chunkJobIDs(ids []signal.JobID, size int) [][]signal.JobID {
	if size <= 0 {
		size = defaultTestChunkSize
	}
	var chunks [][]signal.JobID
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func toInt64s(ids []signal.JobID) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}
