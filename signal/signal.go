package signal

import (
	"sort"
	"strings"
	"time"
)

// CommitSignal holds the events observed for one signal on one commit, ordered
// oldest first by start time and workflow run id.
type CommitSignal struct {
	HeadSHA   Sha
	Timestamp time.Time
	Events    []Event

	counts map[SignalStatus]int
}

func NewCommitSignal(sha Sha, ts time.Time, events []Event) CommitSignal {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].StartedAt.Before(sorted[j].StartedAt)
		}
		return sorted[i].WfRunID < sorted[j].WfRunID
	})
	counts := make(map[SignalStatus]int, 3)
	for _, e := range sorted {
		counts[e.Status]++
	}
	return CommitSignal{HeadSHA: sha, Timestamp: ts, Events: sorted, counts: counts}
}

func (c CommitSignal) HasPending() bool { return c.counts[StatusPending] > 0 }
func (c CommitSignal) HasSuccess() bool { return c.counts[StatusSuccess] > 0 }
func (c CommitSignal) HasFailure() bool { return c.counts[StatusFailure] > 0 }

// Count returns the number of events with the given status.
func (c CommitSignal) Count(status SignalStatus) int { return c.counts[status] }

// Signal is a per-commit timeline for one job base name or one test, newest
// commit first.
type Signal struct {
	WorkflowName WorkflowName
	Key          string
	JobBaseName  JobBaseName
	Source       SignalSource
	Commits      []CommitSignal
}

// DetectFlaky reports mixed outcomes on a single commit.
func (s Signal) DetectFlaky() bool {
	for _, c := range s.Commits {
		if c.HasSuccess() && c.HasFailure() {
			return true
		}
	}
	return false
}

// DetectFixed reports whether the newest commit with a resolved event succeeded.
func (s Signal) DetectFixed() bool {
	for _, c := range s.Commits {
		if c.HasSuccess() || c.HasFailure() {
			return c.HasSuccess()
		}
	}
	return false
}

func (s Signal) HasSuccesses() bool {
	for _, c := range s.Commits {
		if c.HasSuccess() {
			return true
		}
	}
	return false
}

// Metadata returns the lightweight reference used by actions. The job and run
// ids come from the newest failure on sha, or from the newest failure anywhere
// when sha has none.
func (s Signal) Metadata(sha Sha) SignalMetadata {
	meta := SignalMetadata{WorkflowName: s.WorkflowName, Key: s.Key}
	if s.JobBaseName != "" {
		base := s.JobBaseName
		meta.JobBaseName = &base
	}
	if s.Source == SourceTest {
		module, _, _ := strings.Cut(s.Key, "::")
		meta.TestModule = &module
	}
	e, ok := s.lastFailure(sha)
	if !ok {
		e, ok = s.lastFailure("")
	}
	if ok {
		run, job := e.WfRunID, e.JobID
		meta.WfRunID = &run
		if job != 0 {
			meta.JobID = &job
		}
	}
	return meta
}

func (s Signal) lastFailure(sha Sha) (Event, bool) {
	for _, c := range s.Commits {
		if sha != "" && c.HeadSHA != sha {
			continue
		}
		for i := len(c.Events) - 1; i >= 0; i-- {
			if c.Events[i].IsFailure() {
				return c.Events[i], true
			}
		}
	}
	return Event{}, false
}
