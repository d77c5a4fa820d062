package actions

import (
	"context"
	"log/slog"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
)

// DefaultCircuitBreakerLabel marks issues that pause autorevert.
const DefaultCircuitBreakerLabel = "ci: disable-autorevert"

// Issue is an open issue or pull request carrying a label.
type Issue struct {
	Number        int
	Author        string
	IsPullRequest bool
}

// IssueLister lists open issues with a label. Pull requests may be included.
type IssueLister interface {
	OpenIssuesWithLabel(ctx context.Context, repo, label string) ([]Issue, error)
}

// CircuitBreaker pauses reverts while an open issue carries the breaker label.
type CircuitBreaker struct {
	issues   IssueLister
	label    string
	approved map[string]struct{}
	logger   *slog.Logger
}

// NewCircuitBreaker builds a breaker. When approvedUsers is non-empty only
// issues opened by those users count.
func NewCircuitBreaker(issues IssueLister, approvedUsers []string, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = observability.NewLogger("actions.circuit_breaker")
	}
	approved := make(map[string]struct{}, len(approvedUsers))
	for _, user := range approvedUsers {
		if user != "" {
			approved[user] = struct{}{}
		}
	}
	return &CircuitBreaker{
		issues:   issues,
		label:    DefaultCircuitBreakerLabel,
		approved: approved,
		logger:   logger,
	}
}

// WithLabel overrides the issue label that trips the breaker.
func (c *CircuitBreaker) WithLabel(label string) *CircuitBreaker {
	if label != "" {
		c.label = label
	}
	return c
}

// Tripped reports whether autorevert is disabled for repo. Lookup errors are
// logged and treated as not tripped.
func (c *CircuitBreaker) Tripped(ctx context.Context, repo string) bool {
	if c == nil || c.issues == nil {
		return false
	}
	issues, err := c.issues.OpenIssuesWithLabel(ctx, repo, c.label)
	if err != nil {
		c.logger.Error("error checking autorevert circuit breaker", "event", "circuit_breaker_error", "repo", repo, "error", err)
		return false
	}
	for _, issue := range issues {
		if issue.IsPullRequest {
			c.logger.Debug("skipping labelled pull request", "event", "circuit_breaker_skip_pr", "number", issue.Number)
			continue
		}
		if len(c.approved) > 0 {
			if _, ok := c.approved[issue.Author]; !ok {
				c.logger.Warn("ignoring issue from unapproved user", "event", "circuit_breaker_unapproved", "number", issue.Number, "user", issue.Author)
				continue
			}
		}
		c.logger.Info("autorevert disabled by open issue", "event", "circuit_breaker_tripped", "number", issue.Number, "user", issue.Author)
		return true
	}
	return false
}
