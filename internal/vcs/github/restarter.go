package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/izavyalov-dev/ci-autorevert/actions"
	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

// RestartRefPrefix is the tag namespace restarted trunk runs are dispatched on.
const RestartRefPrefix = "trunk/"

type workflowDispatcher interface {
	DispatchWorkflow(ctx context.Context, repo, workflowFile, ref string, inputs map[string]string) error
}

// Filters narrows a restarted run to a subset of jobs and test modules.
// Filters are only sent to workflows that declare the matching inputs.
type Filters struct {
	Jobs  []string
	Tests []string
}

// Restarter dispatches workflows on the trunk/<sha> ref.
type Restarter struct {
	dispatcher workflowDispatcher
	resolver   *WorkflowResolver
	repo       string
	webBaseURL string
	logger     *slog.Logger
}

func NewRestarter(dispatcher workflowDispatcher, resolver *WorkflowResolver, repo string, logger *slog.Logger) *Restarter {
	if logger == nil {
		logger = observability.NewLogger("github.restarter")
	}
	return &Restarter{
		dispatcher: dispatcher,
		resolver:   resolver,
		repo:       repo,
		webBaseURL: "https://github.com",
		logger:     logger,
	}
}

var _ actions.WorkflowRestarter = (*Restarter)(nil)

func (r *Restarter) RestartWorkflow(ctx context.Context, workflow signal.WorkflowName, sha signal.Sha) error {
	return r.Dispatch(ctx, workflow, sha, Filters{})
}

// Dispatch restarts workflow for sha, forwarding filters the workflow accepts.
func (r *Restarter) Dispatch(ctx context.Context, workflow signal.WorkflowName, sha signal.Sha, filters Filters) error {
	if sha == "" {
		return fmt.Errorf("commit sha is required")
	}
	ref, err := r.resolver.Require(ctx, r.repo, string(workflow))
	if err != nil {
		return err
	}

	inputs := map[string]string{}
	if len(filters.Jobs) > 0 || len(filters.Tests) > 0 {
		support, err := r.resolver.InputSupport(ctx, r.repo, string(workflow))
		if err != nil {
			return err
		}
		if support.JobsToInclude && len(filters.Jobs) > 0 {
			inputs[inputJobsToInclude] = joinSorted(filters.Jobs)
		}
		if support.TestsToInclude && len(filters.Tests) > 0 {
			inputs[inputTestsToInclude] = joinSorted(filters.Tests)
		}
	}

	tag := RestartRefPrefix + string(sha)
	if err := r.dispatcher.DispatchWorkflow(ctx, r.repo, ref.FileName, tag, inputs); err != nil {
		return fmt.Errorf("dispatch %s: %w", ref.FileName, err)
	}
	r.logger.InfoContext(ctx, "workflow dispatched",
		"event", "workflow_dispatched",
		"workflow", ref.DisplayName,
		"commit_sha", string(sha),
		"inputs", inputs,
		"url", r.runsURL(ref.FileName, tag),
	)
	return nil
}

func (r *Restarter) runsURL(file, tag string) string {
	return fmt.Sprintf("%s/%s/actions/workflows/%s?query=%s", r.webBaseURL, r.repo, file, url.QueryEscape("branch:"+tag))
}

func joinSorted(values []string) string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}
