package state

import (
	"context"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// ComputeRestartStats summarises restart history as of asOf. Successful
// dispatches count toward the cap; a successful dispatch younger than pacing
// sets HasSuccessWithinWindow. Attempts after asOf are ignored.
func ComputeRestartStats(attempts []RestartAttempt, asOf time.Time, pacing time.Duration) signal.RestartStats {
	var (
		stats        signal.RestartStats
		lastSuccess  time.Time
		lastFailure  time.Time
		failureTimes []time.Time
	)
	for _, a := range attempts {
		if a.TS.After(asOf) {
			continue
		}
		if a.Failed {
			failureTimes = append(failureTimes, a.TS)
			if a.TS.After(lastFailure) {
				lastFailure = a.TS
			}
			continue
		}
		stats.TotalRestarts++
		if asOf.Sub(a.TS) < pacing {
			stats.HasSuccessWithinWindow = true
		}
		if a.TS.After(lastSuccess) {
			lastSuccess = a.TS
		}
	}
	for _, ts := range failureTimes {
		if ts.After(lastSuccess) {
			stats.FailuresSinceLastSuccess++
		}
	}
	if !lastFailure.IsZero() {
		secs := int(asOf.Sub(lastFailure) / time.Second)
		stats.SecsSinceLastFailure = &secs
	}
	return stats
}

// RestartStats loads restart history for q and summarises it.
func (s *Store) RestartStats(ctx context.Context, q RestartQuery, pacing time.Duration) (signal.RestartStats, error) {
	attempts, err := s.ListRestartAttempts(ctx, q)
	if err != nil {
		return signal.RestartStats{}, err
	}
	return ComputeRestartStats(attempts, q.AsOf, pacing), nil
}
