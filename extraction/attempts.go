package extraction

import (
	"time"

	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// groupKey identifies a job signal column.
type groupKey struct {
	workflow signal.WorkflowName
	base     signal.JobBaseName
}

type commitGroupKey struct {
	sha signal.Sha
	groupKey
}

// attemptKey identifies all shards of one job base in one workflow run attempt.
type attemptKey struct {
	commitGroupKey
	run     signal.WfRunID
	attempt signal.RunAttempt
}

type runKey struct {
	sha      signal.Sha
	workflow signal.WorkflowName
}

// attemptMeta folds the shard rows of one attempt.
type attemptMeta struct {
	startedAt      time.Time
	jobID          signal.JobID
	pending        bool
	cancelled      bool
	failed         bool
	allSucceeded   bool
	nonTestFailure bool
}

// pendingRun is a workflow run on a commit that still has running jobs.
type pendingRun struct {
	run       signal.WfRunID
	attempt   signal.RunAttempt
	startedAt time.Time
}

// attemptIndex groups job rows by attempt, keeping first-seen order so that
// extraction output is deterministic.
type attemptIndex struct {
	jobs     []signal.JobRow
	rows     map[attemptKey][]signal.JobRow
	attempts map[commitGroupKey][]attemptKey
	groups   []groupKey
	byJobID  map[signal.JobID]attemptKey
	running  map[runKey][]pendingRun
}

func newAttemptIndex(jobs []signal.JobRow, commits map[signal.Sha]struct{}) *attemptIndex {
	idx := &attemptIndex{
		rows:     make(map[attemptKey][]signal.JobRow),
		attempts: make(map[commitGroupKey][]attemptKey),
		byJobID:  make(map[signal.JobID]attemptKey),
		running:  make(map[runKey][]pendingRun),
	}
	seenGroups := make(map[groupKey]struct{})
	runPos := make(map[runKey]map[signal.WfRunID]int)

	for _, job := range jobs {
		if _, ok := commits[job.HeadSHA]; !ok {
			continue
		}
		idx.jobs = append(idx.jobs, job)
		g := groupKey{workflow: job.WorkflowName, base: job.BaseName()}
		if _, ok := seenGroups[g]; !ok {
			seenGroups[g] = struct{}{}
			idx.groups = append(idx.groups, g)
		}
		cg := commitGroupKey{sha: job.HeadSHA, groupKey: g}
		ak := attemptKey{commitGroupKey: cg, run: job.WfRunID, attempt: job.RunAttempt}
		if _, ok := idx.rows[ak]; !ok {
			idx.attempts[cg] = append(idx.attempts[cg], ak)
		}
		idx.rows[ak] = append(idx.rows[ak], job)
		idx.byJobID[job.JobID] = ak

		if job.Status != signal.JobStatusCompleted {
			rk := runKey{sha: job.HeadSHA, workflow: job.WorkflowName}
			if runPos[rk] == nil {
				runPos[rk] = make(map[signal.WfRunID]int)
			}
			pos, ok := runPos[rk][job.WfRunID]
			if !ok {
				runPos[rk][job.WfRunID] = len(idx.running[rk])
				idx.running[rk] = append(idx.running[rk], pendingRun{run: job.WfRunID, attempt: job.RunAttempt, startedAt: job.StartedAt})
				continue
			}
			pr := &idx.running[rk][pos]
			if job.StartedAt.Before(pr.startedAt) {
				pr.startedAt = job.StartedAt
			}
			if job.RunAttempt > pr.attempt {
				pr.attempt = job.RunAttempt
			}
		}
	}
	return idx
}

func (idx *attemptIndex) meta(ak attemptKey) attemptMeta {
	rows := idx.rows[ak]
	m := attemptMeta{allSucceeded: len(rows) > 0}
	for i, row := range rows {
		if i == 0 || row.StartedAt.Before(m.startedAt) {
			m.startedAt = row.StartedAt
		}
		if row.IsPending() {
			m.pending = true
		}
		if row.IsCancelled() {
			m.cancelled = true
		}
		if !row.IsSuccess() {
			m.allSucceeded = false
		}
		if row.IsFailure() {
			if !m.failed {
				m.jobID = row.JobID
			}
			m.failed = true
			if !row.IsTestFailure() {
				m.nonTestFailure = true
			}
		}
	}
	if m.jobID == 0 && len(rows) > 0 {
		m.jobID = rows[0].JobID
	}
	return m
}

// status resolves the attempt verdict; ok is false when the attempt contributes
// no event.
func (m attemptMeta) status() (signal.SignalStatus, bool) {
	switch {
	case cancelledWithoutVerdict(m):
		return "", false
	case m.failed:
		return signal.StatusFailure, true
	case m.allSucceeded:
		return signal.StatusSuccess, true
	default:
		return signal.StatusPending, true
	}
}
