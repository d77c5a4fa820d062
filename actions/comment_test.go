package actions

import (
	"context"
	"strings"
	"testing"

	"github.com/izavyalov-dev/ci-autorevert/signal"
)

const offender signal.Sha = "dd30667f6c2204a15e91eaeb61c84f9080be7748"

func attributedGitHub(labels ...string) *fakeGitHub {
	return &fakeGitHub{
		messages: map[signal.Sha]string{offender: mergeMessages[163444]},
		prs: map[int]PullRequest{
			163444: {Number: 163444, Title: "Enable half precision types", HTMLURL: "https://github.com/pytorch/pytorch/pull/163444", Author: "octocat"},
		},
		labels: map[int][]string{163444: labels},
	}
}

func revertContext(action signal.RevertAction) signal.RunContext {
	rc := restartContext(signal.RestartSkip)
	rc.RevertAction = action
	return rc
}

func offenderSources() []signal.SignalMetadata {
	base := signal.JobBaseName("linux-jammy-py3.10-gcc11 / test (default)")
	run, job := signal.WfRunID(17924886989), signal.JobID(50968430537)
	module := "test_ops.py"
	return []signal.SignalMetadata{
		{WorkflowName: "trunk", Key: "linux-jammy-py3.10-gcc11 / test", JobBaseName: &base, WfRunID: &run, JobID: &job},
		{WorkflowName: "pull", Key: "test_ops.py::test_add", TestModule: &module},
		{WorkflowName: "trunk", Key: "win-vs2022-cpu-py3 / test"},
	}
}

func TestCommentIssuePRRevertNoPRMakesNoWrites(t *testing.T) {
	gh := &fakeGitHub{messages: map[signal.Sha]string{offender: "Fix typo in docs"}}
	p := newTestProcessor(&fakeAudit{}, &fakeRestarter{}, gh, nil, Config{})

	ok, err := p.CommentIssuePRRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertRunRevert))
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if ok {
		t.Fatalf("expected false when no PR owns the commit")
	}
	if len(gh.comments) != 0 || gh.labelCalls != 0 {
		t.Fatalf("expected no GitHub writes, got %d comments and %d label lookups", len(gh.comments), gh.labelCalls)
	}
	if gh.reads != 1 {
		t.Fatalf("expected only the commit message read, got %d reads", gh.reads)
	}
}

func TestCommentIssuePRRevertDisabledLabelNotifiesOnly(t *testing.T) {
	gh := attributedGitHub("module: inductor", "autorevert: disable")
	p := newTestProcessor(&fakeAudit{}, &fakeRestarter{}, gh, nil, Config{})

	ok, err := p.CommentIssuePRRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertRunRevert))
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if ok {
		t.Fatalf("expected false when revert is disabled by label")
	}
	if len(gh.comments) != 1 {
		t.Fatalf("expected exactly one comment, got %d", len(gh.comments))
	}
	if gh.comments[0].number != 163650 {
		t.Fatalf("expected notification on issue 163650, got #%d", gh.comments[0].number)
	}
}

func TestCommentIssuePRRevertRequestsRevert(t *testing.T) {
	gh := attributedGitHub("module: inductor")
	p := newTestProcessor(&fakeAudit{}, &fakeRestarter{}, gh, nil, Config{})

	ok, err := p.CommentIssuePRRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertRunRevert))
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if !ok {
		t.Fatalf("expected revert requested")
	}
	if len(gh.comments) != 2 {
		t.Fatalf("expected notification and revert request, got %d comments", len(gh.comments))
	}
	request := gh.comments[1]
	if request.number != 163444 {
		t.Fatalf("expected revert request on PR 163444, got #%d", request.number)
	}
	if !strings.HasPrefix(request.body, `@pytorchbot revert -m "Reverted automatically by autorevert, to avoid this behaviour add the tag autorevert: disable" -c autorevert`) {
		t.Fatalf("unexpected revert request body: %q", request.body)
	}
}

func TestCommentIssuePRRevertNotifyOnly(t *testing.T) {
	gh := attributedGitHub("autorevert: disable")
	p := newTestProcessor(&fakeAudit{}, &fakeRestarter{}, gh, nil, Config{})

	ok, err := p.CommentIssuePRRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertRunNotify))
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if !ok {
		t.Fatalf("expected notify to report true")
	}
	if len(gh.comments) != 1 || gh.labelCalls != 0 {
		t.Fatalf("expected one notification and no label lookup, got %d comments and %d lookups", len(gh.comments), gh.labelCalls)
	}
}

func TestCommentIssuePRRevertLogModeWritesNothing(t *testing.T) {
	gh := attributedGitHub()
	p := newTestProcessor(&fakeAudit{}, &fakeRestarter{}, gh, nil, Config{})

	ok, err := p.CommentIssuePRRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertLog))
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if ok {
		t.Fatalf("expected log mode to report false")
	}
	if len(gh.comments) != 0 {
		t.Fatalf("expected no comments in log mode, got %d", len(gh.comments))
	}
}

func TestNotificationBodyGroupsByWorkflow(t *testing.T) {
	gh := attributedGitHub()
	p := newTestProcessor(&fakeAudit{}, &fakeRestarter{}, gh, nil, Config{})

	if _, err := p.CommentIssuePRRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertRunNotify)); err != nil {
		t.Fatalf("comment: %v", err)
	}
	body := gh.comments[0].body
	want := "Autorevert detected a possible offender: " + string(offender) + " from PR #163444.\n\n" +
		"The commit is a PR merge\n\n" +
		"This PR is attributed to have caused regression in:\n" +
		"- trunk: [linux-jammy-py3.10-gcc11 / test](https://github.com/pytorch/pytorch/actions/runs/17924886989/job/50968430537)" +
		" ([hud](https://hud.pytorch.org/hud/pytorch/pytorch/" + string(offender) +
		"/1?per_page=50&name_filter=linux-jammy-py3.10-gcc11%20/%20test%20(default)&mergeEphemeralLF=true))" +
		", win-vs2022-cpu-py3 / test\n" +
		"- pull: test_ops.py::test_add\n"
	if body != want {
		t.Fatalf("unexpected body:\n got %q\nwant %q", body, want)
	}
}

func TestCommentIssuePRRevertAttributesReverts(t *testing.T) {
	gh := &fakeGitHub{
		messages: map[signal.Sha]string{offender: revertMessages[163276]},
		prs:      map[int]PullRequest{163276: {Number: 163276, Title: "Add set_payload"}},
	}
	p := newTestProcessor(&fakeAudit{}, &fakeRestarter{}, gh, nil, Config{})

	if _, err := p.CommentIssuePRRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertRunNotify)); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if len(gh.comments) != 1 || !strings.Contains(gh.comments[0].body, "The commit is a PR revert\n") {
		t.Fatalf("expected revert attribution, got %+v", gh.comments)
	}
}

func TestExecuteRevertPublishesDecision(t *testing.T) {
	audit := &fakeAudit{}
	gh := attributedGitHub()
	publisher := &recordingPublisher{}
	p := newTestProcessor(audit, &fakeRestarter{}, gh, publisher, Config{})

	ok, err := p.ExecuteRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertRunRevert))
	if err != nil || !ok {
		t.Fatalf("expected revert recorded, got ok=%v err=%v", ok, err)
	}
	if len(audit.inserts) != 1 {
		t.Fatalf("expected one audit row, got %d", len(audit.inserts))
	}
	ev := audit.inserts[0]
	if ev.Action != ActionRevert || ev.DryRun || strings.Join(ev.Workflows, ",") != "trunk,pull" {
		t.Fatalf("unexpected audit row: %+v", ev)
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("expected one published decision, got %d", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.Action() != DecisionRevertRequested || msg.ActionType() != "merge" || msg.PRNumber() != 163444 {
		t.Fatalf("unexpected decision: action=%s type=%s pr=%d", msg.Action(), msg.ActionType(), msg.PRNumber())
	}
	if msg.Timestamp() != "2025-09-20T12:00:00Z" || msg.RevertAction() != "run-revert" {
		t.Fatalf("unexpected decision metadata: %s %s", msg.Timestamp(), msg.RevertAction())
	}
	workflows := msg.BreakingWorkflows()
	if len(workflows) != 2 || workflows[0].WorkflowName() != "trunk" || len(workflows[0].Signals()) != 2 {
		t.Fatalf("unexpected breaking workflows: %+v", workflows)
	}
	if url, ok := workflows[0].Signals()[0].JobURL(); !ok || !strings.HasSuffix(url, "/job/50968430537") {
		t.Fatalf("expected job url on first signal, got %q", url)
	}
	if author, ok := msg.PRAuthor(); !ok || author != "octocat" {
		t.Fatalf("expected author octocat, got %q", author)
	}
}

func TestExecuteRevertSkipsPriorRevert(t *testing.T) {
	audit := &fakeAudit{priorRevert: true}
	gh := attributedGitHub()
	p := newTestProcessor(audit, &fakeRestarter{}, gh, nil, Config{})

	ok, err := p.ExecuteRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertRunRevert))
	if err != nil || ok {
		t.Fatalf("expected duplicate revert skipped, got ok=%v err=%v", ok, err)
	}
	if gh.reads != 0 || len(gh.comments) != 0 || len(audit.inserts) != 0 {
		t.Fatalf("expected no lookups or writes for a prior revert")
	}
}

func TestExecuteRevertLogModeRecordsDryRun(t *testing.T) {
	audit := &fakeAudit{}
	gh := attributedGitHub()
	publisher := &recordingPublisher{}
	p := newTestProcessor(audit, &fakeRestarter{}, gh, publisher, Config{})

	ok, err := p.ExecuteRevert(context.Background(), offender, offenderSources(), revertContext(signal.RevertLog))
	if err != nil || !ok {
		t.Fatalf("expected dry-run revert recorded, got ok=%v err=%v", ok, err)
	}
	if len(audit.inserts) != 1 || !audit.inserts[0].DryRun {
		t.Fatalf("expected one dry-run audit row, got %+v", audit.inserts)
	}
	if len(gh.comments) != 0 || len(publisher.messages) != 0 {
		t.Fatalf("expected no comments or decisions in log mode")
	}
}
