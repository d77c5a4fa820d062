package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/izavyalov-dev/ci-autorevert/protocol"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// Decision message action names.
const (
	DecisionRevertRequested = "revert_requested"
	DecisionNotified        = "notified"
)

// buildDecision assembles the decision message for a notified offender.
func (p *Processor) buildDecision(sha signal.Sha, sources []signal.SignalMetadata, rc signal.RunContext, result revertResult) (protocol.RevertDecisionMessage, error) {
	var workflows []protocol.BreakingWorkflow
	for _, g := range groupByWorkflow(sources) {
		details := make([]protocol.SignalDetail, 0, len(g.sources))
		for _, s := range g.sources {
			detail, err := protocol.NewSignalDetail(s.Key, p.detailOptions(s, rc.RepoFullName, sha)...)
			if err != nil {
				return protocol.RevertDecisionMessage{}, err
			}
			details = append(details, detail)
		}
		wf, err := protocol.NewBreakingWorkflow(string(g.workflow), details)
		if err != nil {
			return protocol.RevertDecisionMessage{}, err
		}
		workflows = append(workflows, wf)
	}

	action := DecisionNotified
	if result.requested {
		action = DecisionRevertRequested
	}
	var author *string
	if result.pr.Author != "" {
		a := result.pr.Author
		author = &a
	}
	return protocol.NewRevertDecisionMessage(protocol.RevertDecision{
		Action:                  action,
		CommitSHA:               string(sha),
		PRNumber:                result.pr.Number,
		PRURL:                   result.pr.HTMLURL,
		PRTitle:                 result.pr.Title,
		RepoFullName:            rc.RepoFullName,
		Timestamp:               rc.TS.UTC().Format(time.RFC3339),
		RevertAction:            string(rc.RevertAction),
		ActionType:              string(result.source),
		BreakingWorkflows:       workflows,
		BreakingNotificationMsg: result.message,
		PRAuthor:                author,
	})
}

func (p *Processor) detailOptions(s signal.SignalMetadata, repo string, sha signal.Sha) []protocol.SignalDetailOption {
	var opts []protocol.SignalDetailOption
	if s.JobBaseName != nil {
		opts = append(opts, protocol.WithJobBaseName(string(*s.JobBaseName)))
	}
	if s.TestModule != nil {
		opts = append(opts, protocol.WithTestModule(*s.TestModule))
	}
	if s.WfRunID != nil {
		opts = append(opts, protocol.WithWfRunID(int64(*s.WfRunID)))
	}
	if s.JobID != nil {
		opts = append(opts, protocol.WithJobID(int64(*s.JobID)))
	}
	if url, ok := p.jobURL(s, repo); ok {
		opts = append(opts, protocol.WithJobURL(url))
	}
	if url, ok := p.hudURL(s, repo, sha); ok {
		opts = append(opts, protocol.WithHUDURL(url))
	}
	return opts
}

func (p *Processor) publishDecision(ctx context.Context, sha signal.Sha, sources []signal.SignalMetadata, rc signal.RunContext, result revertResult) error {
	msg, err := p.buildDecision(sha, sources, rc, result)
	if err != nil {
		p.metrics.IncFailure("decision_invalid")
		return fmt.Errorf("build decision: %w", err)
	}
	if err := p.publisher.Publish(ctx, msg); err != nil {
		p.metrics.IncFailure("decision_publish")
		return fmt.Errorf("publish decision: %w", err)
	}
	p.logger.Info("decision published", "event", "decision_published", "commit_sha", string(sha), "action", msg.Action())
	return nil
}
