package extraction

import (
	"time"

	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// cancelledWithoutVerdict reports an attempt that was cancelled before
// producing a failure. Such attempts contribute no event at all.
func cancelledWithoutVerdict(m attemptMeta) bool {
	return m.cancelled && !m.failed
}

// emitJobSignal gates job-level signals: at least one failing attempt must
// carry a failure that is not classified as a test failure. Test-only breakage
// is reported through per-test signals instead.
func emitJobSignal(attempts []attemptMeta) bool {
	for _, m := range attempts {
		if cancelledWithoutVerdict(m) {
			continue
		}
		if m.failed && m.nonTestFailure {
			return true
		}
	}
	return false
}

// injectPending adds one PENDING event for every still-running workflow run
// that has no event yet, so that missing data is never read as a clean commit.
// Runs in cancelled lists already hold a cancelled attempt of the signal and
// stay silent.
func injectPending(events []signal.Event, cancelled []signal.WfRunID, running []pendingRun, name func(pendingRun) string) []signal.Event {
	if len(running) == 0 {
		return events
	}
	covered := make(map[signal.WfRunID]struct{}, len(events)+len(cancelled))
	for _, e := range events {
		covered[e.WfRunID] = struct{}{}
	}
	for _, run := range cancelled {
		covered[run] = struct{}{}
	}
	for _, pr := range running {
		if _, ok := covered[pr.run]; ok {
			continue
		}
		covered[pr.run] = struct{}{}
		events = append(events, signal.Event{
			Name:       name(pr),
			Status:     signal.StatusPending,
			StartedAt:  pr.startedAt,
			WfRunID:    pr.run,
			RunAttempt: pr.attempt,
		})
	}
	return events
}

type eventIdentity struct {
	startedAt time.Time
	run       signal.WfRunID
}

// dedupEvents drops events repeating an earlier (started_at, wf_run_id) pair.
func dedupEvents(events []signal.Event) []signal.Event {
	if len(events) < 2 {
		return events
	}
	seen := make(map[eventIdentity]struct{}, len(events))
	out := events[:0]
	for _, e := range events {
		id := eventIdentity{startedAt: e.StartedAt.UTC(), run: e.WfRunID}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, e)
	}
	return out
}
