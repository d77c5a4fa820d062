package signal

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 8, 19, 12, 0, 0, 0, time.UTC)

func ev(status SignalStatus, minute int) Event {
	return Event{Name: "job", Status: status, StartedAt: t0.Add(time.Duration(minute) * time.Minute), WfRunID: 1}
}

func commit(sha string, events ...Event) CommitSignal {
	return NewCommitSignal(Sha(sha), t0, events)
}

func TestDetectFixedUsesFirstResolvedCommit(t *testing.T) {
	s := Signal{Key: "job", WorkflowName: "wf", Commits: []CommitSignal{
		commit("new", ev(StatusPending, 1), ev(StatusSuccess, 2)),
		commit("old", ev(StatusFailure, 1)),
	}}
	if !s.DetectFixed() {
		t.Fatalf("expected signal to be fixed")
	}

	s = Signal{Key: "job", WorkflowName: "wf", Commits: []CommitSignal{
		commit("new", ev(StatusPending, 1)),
		commit("mid", ev(StatusSuccess, 1)),
	}}
	if !s.DetectFixed() {
		t.Fatalf("expected pending head to be skipped")
	}

	s = Signal{Key: "job", WorkflowName: "wf", Commits: []CommitSignal{
		commit("new", ev(StatusFailure, 1)),
		commit("old", ev(StatusSuccess, 1)),
	}}
	if s.DetectFixed() {
		t.Fatalf("expected failing head not to be fixed")
	}
}

func TestDetectFlaky(t *testing.T) {
	s := Signal{Commits: []CommitSignal{commit("sha", ev(StatusSuccess, 1), ev(StatusFailure, 2))}}
	if !s.DetectFlaky() {
		t.Fatalf("expected mixed commit to be flaky")
	}
	s = Signal{Commits: []CommitSignal{
		commit("new", ev(StatusSuccess, 1)),
		commit("old", ev(StatusFailure, 1)),
	}}
	if s.DetectFlaky() {
		t.Fatalf("expected separate commits not to be flaky")
	}
}

func TestConfirmNotInfra(t *testing.T) {
	old := commit("old", ev(StatusSuccess, 10), ev(StatusSuccess, 30))

	cases := []struct {
		name   string
		failed CommitSignal
		older  CommitSignal
		want   InfraCheckResult
	}{
		{"sandwich", commit("new", ev(StatusFailure, 20)), old, InfraConfirmed},
		{"pending between", commit("new", ev(StatusPending, 20)), old, InfraPending},
		{"pending after", commit("new", ev(StatusPending, 35)), old, InfraRestartSuccess},
		{"no bracketing success", commit("new", ev(StatusFailure, 40)),
			commit("old", ev(StatusSuccess, 10), ev(StatusPending, 20), ev(StatusPending, 30)), InfraRestartSuccess},
		{"failure before successes", commit("new", ev(StatusFailure, 5)), old, InfraRestartFailure},
	}
	for _, tc := range cases {
		p := Partition{Failed: []CommitSignal{tc.failed}, Successful: []CommitSignal{tc.older}}
		if got := p.ConfirmNotInfra(); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestDetectPatternConfirmed(t *testing.T) {
	s := Signal{Key: "job", WorkflowName: "wf", Commits: []CommitSignal{
		commit("sha_newer", ev(StatusFailure, 5), ev(StatusFailure, 7)),
		commit("sha_mid", ev(StatusFailure, 4)),
		commit("sha_old", ev(StatusSuccess, 3), ev(StatusSuccess, 6)),
	}}

	outcome := s.DetectPattern()
	pattern, ok := outcome.(*AutorevertPattern)
	if !ok {
		t.Fatalf("expected autorevert pattern, got %#v", outcome)
	}
	if pattern.SuspectedCommit != "sha_mid" {
		t.Fatalf("expected suspected sha_mid, got %s", pattern.SuspectedCommit)
	}
	if len(pattern.NewerFailingCommits) != 1 || pattern.NewerFailingCommits[0] != "sha_newer" {
		t.Fatalf("unexpected newer failing commits: %v", pattern.NewerFailingCommits)
	}
	if pattern.OlderSuccessfulCommit != "sha_old" || pattern.WorkflowName != "wf" {
		t.Fatalf("unexpected pattern: %#v", pattern)
	}
}

func TestDetectPatternRequestsRestartOnThinEvidence(t *testing.T) {
	s := Signal{Key: "job", WorkflowName: "wf", Commits: []CommitSignal{
		commit("sha_newer", ev(StatusFailure, 5)),
		commit("sha_mid", ev(StatusFailure, 4)),
		commit("sha_old", ev(StatusSuccess, 3), ev(StatusSuccess, 6)),
	}}

	restart, ok := s.DetectPattern().(*RestartCommits)
	if !ok {
		t.Fatalf("expected restart outcome")
	}
	if len(restart.CommitSHAs) != 1 || restart.CommitSHAs[0] != "sha_mid" {
		t.Fatalf("expected restart of oldest failing commit, got %v", restart.CommitSHAs)
	}
}

func TestDetectPatternRestartsMissingCommits(t *testing.T) {
	s := Signal{Key: "job", WorkflowName: "wf", Commits: []CommitSignal{
		commit("c4", ev(StatusFailure, 9), ev(StatusFailure, 11)),
		commit("c3", ev(StatusFailure, 8)),
		commit("c2"),
		commit("c1", ev(StatusSuccess, 3), ev(StatusSuccess, 12)),
	}}

	restart, ok := s.DetectPattern().(*RestartCommits)
	if !ok {
		t.Fatalf("expected restart outcome")
	}
	if len(restart.CommitSHAs) != 1 || restart.CommitSHAs[0] != "c2" {
		t.Fatalf("expected gap commit restart, got %v", restart.CommitSHAs)
	}
}

func TestDetectPatternIneligibleReasons(t *testing.T) {
	fixed := Signal{Commits: []CommitSignal{
		commit("sha_newer", ev(StatusSuccess, 5)),
		commit("sha_mid", ev(StatusFailure, 4)),
		commit("sha_old", ev(StatusSuccess, 3)),
	}}
	if got := fixed.DetectPattern().(*Ineligible).Reason; got != IneligibleFixed {
		t.Fatalf("expected fixed, got %s", got)
	}

	noSuccess := Signal{Commits: []CommitSignal{
		commit("a", ev(StatusFailure, 5)),
		commit("b", ev(StatusFailure, 4)),
	}}
	if got := noSuccess.DetectPattern().(*Ineligible).Reason; got != IneligibleNoSuccesses {
		t.Fatalf("expected no_successes, got %s", got)
	}

	pendingGap := Signal{Commits: []CommitSignal{
		commit("c4", ev(StatusFailure, 9), ev(StatusFailure, 11)),
		commit("c3", ev(StatusFailure, 8)),
		commit("c2", ev(StatusPending, 7)),
		commit("c1", ev(StatusSuccess, 3), ev(StatusSuccess, 12)),
	}}
	if got := pendingGap.DetectPattern().(*Ineligible).Reason; got != IneligiblePendingGap {
		t.Fatalf("expected pending_gap, got %s", got)
	}
}

func TestNormalizeJobName(t *testing.T) {
	cases := map[JobName]JobBaseName{
		"linux-test (dynamo_wrapped, 1, 3)":                 "linux-test (dynamo_wrapped)",
		"linux-jammy / test (default, 2, 5, linux.2xlarge)": "linux-jammy / test (default, linux.2xlarge)",
		"  lint   /  quick-checks ":                         "lint / quick-checks",
		"linux-build":                                       "linux-build",
	}
	for in, want := range cases {
		if got := NormalizeJobName(in); got != want {
			t.Fatalf("normalize %q: expected %q, got %q", in, want, got)
		}
	}
}

func TestJobRowPredicates(t *testing.T) {
	keepGoing := JobRow{Status: "in_progress", Conclusion: "failure", Rule: "pytest failure"}
	if keepGoing.IsPending() || !keepGoing.IsFailure() || !keepGoing.IsTestFailure() {
		t.Fatalf("expected keep-going row to be a test failure, got %#v", keepGoing)
	}
	running := JobRow{Status: "in_progress"}
	if !running.IsPending() {
		t.Fatalf("expected running row to be pending")
	}
	infra := JobRow{Status: "completed", Conclusion: "failure", Rule: "infra"}
	if infra.IsTestFailure() {
		t.Fatalf("expected infra failure not to be test-classified")
	}
}
