package extraction

import (
	"context"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// CommitQuery selects commits pushed to the main branch in the lookback window
// ending at AsOf.
type CommitQuery struct {
	Repo          string
	LookbackHours int
	AsOf          time.Time
}

// JobQuery selects job rows of the given workflows for the given commits.
type JobQuery struct {
	Repo          string
	Workflows     []signal.WorkflowName
	LookbackHours int
	HeadSHAs      []signal.Sha
	AsOf          time.Time
}

// Datasource supplies raw CI rows. Implementations must be safe for concurrent
// use.
type Datasource interface {
	// FetchCommitsInTimeRange returns commits newest first.
	FetchCommitsInTimeRange(ctx context.Context, q CommitQuery) ([]signal.CommitRef, error)
	FetchJobsForWorkflows(ctx context.Context, q JobQuery) ([]signal.JobRow, error)
	// FetchTestsForJobIDs returns verdicts, across jobIDs, for tests that failed
	// in failedJobIDs.
	FetchTestsForJobIDs(ctx context.Context, jobIDs, failedJobIDs []signal.JobID) ([]signal.TestRow, error)
}
