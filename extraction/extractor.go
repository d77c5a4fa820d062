package extraction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// Extractor turns raw commit, job and test rows into per-commit signal
// timelines.
type Extractor struct {
	ds     Datasource
	logger *slog.Logger
}

func NewExtractor(ds Datasource, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = observability.NewLogger("extraction")
	}
	return &Extractor{ds: ds, logger: logger}
}

// Extract builds test signals followed by job signals for the workflows and
// lookback window in rc. Any datasource error aborts the whole extraction.
func (e *Extractor) Extract(ctx context.Context, rc signal.RunContext) ([]signal.Signal, error) {
	commits, err := e.ds.FetchCommitsInTimeRange(ctx, CommitQuery{
		Repo:          rc.RepoFullName,
		LookbackHours: rc.LookbackHours,
		AsOf:          rc.TS,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch commits: %w", err)
	}
	if len(commits) == 0 {
		e.logger.Info("no commits in window", "event", "extraction_empty", "repo", rc.RepoFullName)
		return nil, nil
	}

	shas := make([]signal.Sha, 0, len(commits))
	inWindow := make(map[signal.Sha]struct{}, len(commits))
	for _, c := range commits {
		shas = append(shas, c.SHA)
		inWindow[c.SHA] = struct{}{}
	}

	jobs, err := e.ds.FetchJobsForWorkflows(ctx, JobQuery{
		Repo:          rc.RepoFullName,
		Workflows:     rc.Workflows,
		LookbackHours: rc.LookbackHours,
		HeadSHAs:      shas,
		AsOf:          rc.TS,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	idx := newAttemptIndex(jobs, inWindow)

	var tests []signal.TestRow
	if jobIDs, failedIDs := selectTestTrackJobIDs(idx); len(failedIDs) > 0 {
		tests, err = e.ds.FetchTestsForJobIDs(ctx, jobIDs, failedIDs)
		if err != nil {
			return nil, fmt.Errorf("fetch tests: %w", err)
		}
	}

	b := builder{commits: commits, idx: idx}
	testSignals := b.testSignals(tests)
	jobSignals := b.jobSignals()

	e.logger.Info("signals extracted",
		"event", "signals_extracted",
		"repo", rc.RepoFullName,
		"commits", len(commits),
		"jobs", len(jobs),
		"tests", len(tests),
		"test_signals", len(testSignals),
		"job_signals", len(jobSignals),
	)
	return append(testSignals, jobSignals...), nil
}

// selectTestTrackJobIDs returns every job id of the bases that saw a
// test-classified failure, plus the ids of those failing jobs.
func selectTestTrackJobIDs(idx *attemptIndex) (jobIDs, failedIDs []signal.JobID) {
	tracked := make(map[groupKey]bool)
	for _, row := range idx.jobs {
		if row.IsTestFailure() {
			tracked[groupKey{workflow: row.WorkflowName, base: row.BaseName()}] = true
		}
	}
	if len(tracked) == 0 {
		return nil, nil
	}
	for _, row := range idx.jobs {
		if !tracked[groupKey{workflow: row.WorkflowName, base: row.BaseName()}] {
			continue
		}
		jobIDs = append(jobIDs, row.JobID)
		if row.IsTestFailure() {
			failedIDs = append(failedIDs, row.JobID)
		}
	}
	return jobIDs, failedIDs
}

type builder struct {
	commits []signal.CommitRef
	idx     *attemptIndex
}

type testKey struct {
	groupKey
	test string
}

type testVerdictKey struct {
	attemptKey
	test string
}

type testVerdict struct {
	failed    bool
	succeeded bool
	jobID     signal.JobID
}

func (b builder) testSignals(tests []signal.TestRow) []signal.Signal {
	if len(tests) == 0 {
		return nil
	}
	verdicts := make(map[testVerdictKey]*testVerdict)
	var order []testKey
	seen := make(map[testKey]struct{})

	for _, row := range tests {
		ak, ok := b.idx.byJobID[row.JobID]
		if !ok {
			continue
		}
		key := row.Key()
		tk := testKey{groupKey: ak.groupKey, test: key}
		if _, ok := seen[tk]; !ok {
			seen[tk] = struct{}{}
			order = append(order, tk)
		}
		vk := testVerdictKey{attemptKey: ak, test: key}
		v := verdicts[vk]
		if v == nil {
			v = &testVerdict{jobID: row.JobID}
			verdicts[vk] = v
		}
		// shards of one attempt merge into one verdict; failure wins
		if row.FailureRuns > 0 {
			if !v.failed {
				v.jobID = row.JobID
			}
			v.failed = true
		} else if row.SuccessRuns > 0 {
			v.succeeded = true
		}
	}

	var out []signal.Signal
	for _, tk := range order {
		commits := make([]signal.CommitSignal, 0, len(b.commits))
		hasEvents := false
		for _, c := range b.commits {
			cg := commitGroupKey{sha: c.SHA, groupKey: tk.groupKey}
			var events []signal.Event
			var cancelled []signal.WfRunID
			for _, ak := range b.idx.attempts[cg] {
				m := b.idx.meta(ak)
				ev := signal.Event{
					Name:       signal.EventName(tk.workflow, signal.SourceTest, tk.test, ak.run, ak.attempt),
					StartedAt:  m.startedAt,
					WfRunID:    ak.run,
					RunAttempt: ak.attempt,
					JobID:      m.jobID,
				}
				v := verdicts[testVerdictKey{attemptKey: ak, test: tk.test}]
				switch {
				case v != nil && v.failed:
					ev.Status, ev.JobID = signal.StatusFailure, v.jobID
				case v != nil && v.succeeded:
					ev.Status = signal.StatusSuccess
				case cancelledWithoutVerdict(m):
					cancelled = append(cancelled, ak.run)
					continue
				case m.pending:
					ev.Status = signal.StatusPending
				default:
					continue
				}
				events = append(events, ev)
			}
			events = b.finish(events, cancelled, c.SHA, tk.workflow, signal.SourceTest, tk.test)
			if len(events) > 0 {
				hasEvents = true
			}
			commits = append(commits, signal.NewCommitSignal(c.SHA, c.Timestamp, events))
		}
		if !hasEvents {
			continue
		}
		out = append(out, signal.Signal{
			WorkflowName: tk.workflow,
			Key:          tk.test,
			JobBaseName:  tk.base,
			Source:       signal.SourceTest,
			Commits:      commits,
		})
	}
	return out
}

func (b builder) jobSignals() []signal.Signal {
	var out []signal.Signal
	for _, g := range b.idx.groups {
		var metas []attemptMeta
		perCommit := make([][]signal.Event, len(b.commits))
		cancelled := make([][]signal.WfRunID, len(b.commits))
		for i, c := range b.commits {
			for _, ak := range b.idx.attempts[commitGroupKey{sha: c.SHA, groupKey: g}] {
				m := b.idx.meta(ak)
				metas = append(metas, m)
				status, ok := m.status()
				if !ok {
					cancelled[i] = append(cancelled[i], ak.run)
					continue
				}
				perCommit[i] = append(perCommit[i], signal.Event{
					Name:       signal.EventName(g.workflow, signal.SourceJob, string(g.base), ak.run, ak.attempt),
					Status:     status,
					StartedAt:  m.startedAt,
					WfRunID:    ak.run,
					RunAttempt: ak.attempt,
					JobID:      m.jobID,
				})
			}
		}
		if !emitJobSignal(metas) {
			continue
		}
		commits := make([]signal.CommitSignal, 0, len(b.commits))
		for i, c := range b.commits {
			events := b.finish(perCommit[i], cancelled[i], c.SHA, g.workflow, signal.SourceJob, string(g.base))
			commits = append(commits, signal.NewCommitSignal(c.SHA, c.Timestamp, events))
		}
		out = append(out, signal.Signal{
			WorkflowName: g.workflow,
			Key:          string(g.base),
			JobBaseName:  g.base,
			Source:       signal.SourceJob,
			Commits:      commits,
		})
	}
	return out
}

// finish applies pending injection and deduplication to one commit's events.
func (b builder) finish(events []signal.Event, cancelled []signal.WfRunID, sha signal.Sha, wf signal.WorkflowName, source signal.SignalSource, id string) []signal.Event {
	running := b.idx.running[runKey{sha: sha, workflow: wf}]
	events = injectPending(events, cancelled, running, func(pr pendingRun) string {
		return signal.EventName(wf, source, id, pr.run, pr.attempt)
	})
	return dedupEvents(events)
}
