package state

import "time"

// Action names recorded in the audit log.
const (
	ActionRestart = "restart"
	ActionRevert  = "revert"
)

// ActionEvent is one append-only row of the autorevert audit log.
type ActionEvent struct {
	ID               int64     `json:"id"`
	Repo             string    `json:"repo"`
	TS               time.Time `json:"ts"`
	Action           string    `json:"action"`
	CommitSHA        string    `json:"commit_sha"`
	Workflows        []string  `json:"workflows"`
	SourceSignalKeys []string  `json:"source_signal_keys"`
	DryRun           bool      `json:"dry_run"`
	Failed           bool      `json:"failed"`
	Notes            string    `json:"notes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RestartAttempt is a non-dry-run restart taken from the audit log.
type RestartAttempt struct {
	TS     time.Time
	Failed bool
}

// RestartQuery scopes restart history to one (repo, workflow, commit). Since
// is inclusive and zero means unbounded; AsOf is inclusive.
type RestartQuery struct {
	Repo      string
	Workflow  string
	CommitSHA string
	Since     time.Time
	AsOf      time.Time
}

// RunStateRecord is one stored evaluation snapshot.
type RunStateRecord struct {
	ID            int64     `json:"id"`
	EvaluationID  string    `json:"evaluation_id"`
	Repo          string    `json:"repo"`
	TS            time.Time `json:"ts"`
	DryRun        bool      `json:"dry_run"`
	Workflows     []string  `json:"workflows"`
	LookbackHours int       `json:"lookback_hours"`
	State         []byte    `json:"-"`
	ArchiveURI    *string   `json:"archive_uri,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
