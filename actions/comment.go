package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// revertResult describes what the revert comment flow did or would do.
type revertResult struct {
	found     bool
	source    signal.CommitPRSourceAction
	pr        PullRequest
	message   string
	attempted bool
	notified  bool
	disabled  bool
	requested bool
	reported  bool
}

func (r revertResult) notes() string {
	switch {
	case r.requested:
		return fmt.Sprintf("revert requested on PR #%d", r.pr.Number)
	case r.disabled:
		return fmt.Sprintf("notified; PR #%d has revert disabled", r.pr.Number)
	case r.notified:
		return fmt.Sprintf("notified about PR #%d", r.pr.Number)
	default:
		return fmt.Sprintf("would notify about PR #%d", r.pr.Number)
	}
}

type workflowGroup struct {
	workflow signal.WorkflowName
	sources  []signal.SignalMetadata
}

// CommentIssuePRRevert notifies the tracking issue about the PR owning sha and,
// under run-revert, asks the merge bot to revert it. It reports true when the
// configured action completed: a notification under run-notify or a revert
// request under run-revert. Nothing is written when no PR owns sha or when
// the action is log. Attribution always reads the commit message, so the
// no-PR path still makes that one GitHub read.
func (p *Processor) CommentIssuePRRevert(ctx context.Context, sha signal.Sha, sources []signal.SignalMetadata, rc signal.RunContext) (bool, error) {
	result, err := p.commentIssuePRRevert(ctx, sha, sources, rc)
	if err != nil {
		return false, err
	}
	return result.reported, nil
}

func (p *Processor) commentIssuePRRevert(ctx context.Context, sha signal.Sha, sources []signal.SignalMetadata, rc signal.RunContext) (revertResult, error) {
	logger := observability.WithCommit(p.logger, string(sha))
	source, pr, found, err := p.findPRBySHA(ctx, rc.RepoFullName, sha)
	if err != nil {
		return revertResult{}, err
	}
	if !found {
		return revertResult{}, nil
	}

	result := revertResult{found: true, source: source, pr: pr}
	groups := groupByWorkflow(sources)
	result.message = p.notificationBody(sha, pr, source, groups, rc.RepoFullName)

	if !rc.RevertAction.SideEffects() {
		logger.Info("revert decision logged", "event", "revert_logged", "pr_number", pr.Number, "body", result.message)
		return result, nil
	}
	if rc.NotifyIssueNumber <= 0 {
		return result, errors.New("notify issue number is required to post notifications")
	}

	result.attempted = true
	if err := p.github.CreateIssueComment(ctx, rc.RepoFullName, rc.NotifyIssueNumber, result.message); err != nil {
		return result, fmt.Errorf("notify issue #%d: %w", rc.NotifyIssueNumber, err)
	}
	result.notified = true
	logger.Info("offender notification posted", "event", "revert_notified", "pr_number", pr.Number, "issue_number", rc.NotifyIssueNumber)

	if rc.RevertAction != signal.RevertRunRevert {
		result.reported = true
		return result, nil
	}

	labels, err := p.github.PullRequestLabels(ctx, rc.RepoFullName, pr.Number)
	if err != nil {
		return result, fmt.Errorf("labels of PR #%d: %w", pr.Number, err)
	}
	for _, label := range labels {
		if label == p.config.DisableLabel {
			result.disabled = true
			logger.Info("revert disabled by label", "event", "revert_disabled", "pr_number", pr.Number, "label", label)
			return result, nil
		}
	}

	if err := p.github.CreateIssueComment(ctx, rc.RepoFullName, pr.Number, p.revertRequestBody(groups, rc.RepoFullName, sha)); err != nil {
		return result, fmt.Errorf("request revert of PR #%d: %w", pr.Number, err)
	}
	result.requested = true
	result.reported = true
	logger.Info("revert requested", "event", "revert_requested", "pr_number", pr.Number)
	return result, nil
}

// findPRBySHA attributes sha to a pull request through its commit message.
// Reverts are checked before merges.
func (p *Processor) findPRBySHA(ctx context.Context, repo string, sha signal.Sha) (signal.CommitPRSourceAction, PullRequest, bool, error) {
	message, err := p.github.CommitMessage(ctx, repo, sha)
	if err != nil {
		return "", PullRequest{}, false, fmt.Errorf("commit message of %s: %w", sha, err)
	}

	var (
		source signal.CommitPRSourceAction
		number int
	)
	if n, ok := IsRevert(message, repo); ok {
		source, number = signal.PRSourceRevert, n
	} else if n, ok := IsMerge(message, repo); ok {
		source, number = signal.PRSourceMerge, n
	} else {
		return "", PullRequest{}, false, nil
	}

	pr, err := p.github.PullRequest(ctx, repo, number)
	if err != nil {
		return "", PullRequest{}, false, fmt.Errorf("pull request #%d: %w", number, err)
	}
	if pr.Number == 0 {
		pr.Number = number
	}
	if pr.HTMLURL == "" {
		pr.HTMLURL = fmt.Sprintf("%s/%s/pull/%d", p.config.GitHubBaseURL, repo, number)
	}
	return source, pr, true, nil
}

func groupByWorkflow(sources []signal.SignalMetadata) []workflowGroup {
	index := map[signal.WorkflowName]int{}
	var groups []workflowGroup
	for _, s := range sources {
		i, ok := index[s.WorkflowName]
		if !ok {
			i = len(groups)
			index[s.WorkflowName] = i
			groups = append(groups, workflowGroup{workflow: s.WorkflowName})
		}
		groups[i].sources = append(groups[i].sources, s)
	}
	return groups
}

func (p *Processor) notificationBody(sha signal.Sha, pr PullRequest, source signal.CommitPRSourceAction, groups []workflowGroup, repo string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Autorevert detected a possible offender: %s from PR #%d.\n\n", sha, pr.Number)
	fmt.Fprintf(&b, "The commit is a PR %s\n\n", source)
	b.WriteString("This PR is attributed to have caused regression in:\n")
	p.writeGroups(&b, groups, repo, sha)
	return b.String()
}

func (p *Processor) revertRequestBody(groups []workflowGroup, repo string, sha signal.Sha) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -m \"Reverted automatically by autorevert, to avoid this behaviour add the tag %s\" -c autorevert\n\n",
		p.config.RevertCommand, p.config.DisableLabel)
	b.WriteString("This PR is attributed to have caused regression in:\n")
	p.writeGroups(&b, groups, repo, sha)
	b.WriteString("\nPlease investigate and fix the issues.\n")
	return b.String()
}

func (p *Processor) writeGroups(b *strings.Builder, groups []workflowGroup, repo string, sha signal.Sha) {
	for _, g := range groups {
		entries := make([]string, 0, len(g.sources))
		for _, s := range g.sources {
			entries = append(entries, p.renderSignal(s, repo, sha))
		}
		fmt.Fprintf(b, "- %s: %s\n", g.workflow, strings.Join(entries, ", "))
	}
}

func (p *Processor) renderSignal(s signal.SignalMetadata, repo string, sha signal.Sha) string {
	out := s.Key
	if url, ok := p.jobURL(s, repo); ok {
		out = fmt.Sprintf("[%s](%s)", s.Key, url)
	}
	if url, ok := p.hudURL(s, repo, sha); ok {
		out += fmt.Sprintf(" ([hud](%s))", url)
	}
	return out
}

func (p *Processor) jobURL(s signal.SignalMetadata, repo string) (string, bool) {
	if s.JobURL != nil {
		return *s.JobURL, true
	}
	if s.WfRunID == nil || s.JobID == nil {
		return "", false
	}
	return fmt.Sprintf("%s/%s/actions/runs/%d/job/%d", p.config.GitHubBaseURL, repo, *s.WfRunID, *s.JobID), true
}

func (p *Processor) hudURL(s signal.SignalMetadata, repo string, sha signal.Sha) (string, bool) {
	if s.HUDURL != nil {
		return *s.HUDURL, true
	}
	if s.JobBaseName == nil || *s.JobBaseName == "" {
		return "", false
	}
	filter := strings.ReplaceAll(string(*s.JobBaseName), " ", "%20")
	return fmt.Sprintf("%s/hud/%s/%s/1?per_page=50&name_filter=%s&mergeEphemeralLF=true", p.config.HUDBaseURL, repo, sha, filter), true
}
