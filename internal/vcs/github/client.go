package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/izavyalov-dev/ci-autorevert/actions"
	"github.com/izavyalov-dev/ci-autorevert/signal"
)

const (
	defaultBaseURL   = "https://api.github.com"
	defaultUserAgent = "ci-autorevert"
	defaultRateLimit = 10
	defaultBurst     = 5
	pageSize         = 100
)

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a minimal GitHub REST client for commits, pull requests, issues
// and workflow dispatch. Requests are rate limited client side.
type Client struct {
	BaseURL    string
	Token      string
	Tokens     TokenProvider
	HTTPClient *http.Client
	UserAgent  string
	Limiter    *rate.Limiter
}

// NewClient constructs a GitHub client authenticated with a static token.
// An empty token allows anonymous reads.
func NewClient(token string) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		UserAgent:  defaultUserAgent,
		Limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
}

// NewAppClient constructs a client authenticated as a GitHub App installation.
func NewAppClient(tokens TokenProvider) *Client {
	c := NewClient("")
	c.Tokens = tokens
	return c
}

var (
	_ actions.GitHubClient = (*Client)(nil)
	_ actions.IssueLister  = (*Client)(nil)
)

type commitResponse struct {
	Commit struct {
		Message string `json:"message"`
	} `json:"commit"`
}

func (c *Client) CommitMessage(ctx context.Context, repo string, sha signal.Sha) (string, error) {
	path := fmt.Sprintf("/repos/%s/commits/%s", repo, url.PathEscape(string(sha)))
	var resp commitResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Commit.Message, nil
}

type pullRequestResponse struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (c *Client) PullRequest(ctx context.Context, repo string, number int) (actions.PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	var resp pullRequestResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return actions.PullRequest{}, err
	}
	return actions.PullRequest{
		Number:  resp.Number,
		Title:   resp.Title,
		HTMLURL: resp.HTMLURL,
		Author:  resp.User.Login,
	}, nil
}

type labelResponse struct {
	Name string `json:"name"`
}

func (c *Client) PullRequestLabels(ctx context.Context, repo string, number int) ([]string, error) {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels?per_page=%d", repo, number, pageSize)
	var resp []labelResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(resp))
	for _, label := range resp {
		labels = append(labels, label.Name)
	}
	return labels, nil
}

// CommentRequest describes an issue comment payload.
type CommentRequest struct {
	Body string `json:"body"`
}

// CommentResponse captures the comment ID.
type CommentResponse struct {
	ID int64 `json:"id"`
}

func (c *Client) CreateIssueComment(ctx context.Context, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	var resp CommentResponse
	return c.doJSON(ctx, http.MethodPost, path, CommentRequest{Body: body}, &resp)
}

type issueResponse struct {
	Number int `json:"number"`
	User   struct {
		Login string `json:"login"`
	} `json:"user"`
	PullRequest json.RawMessage `json:"pull_request"`
}

// OpenIssuesWithLabel returns the first page of open issues carrying label.
func (c *Client) OpenIssuesWithLabel(ctx context.Context, repo, label string) ([]actions.Issue, error) {
	query := url.Values{}
	query.Set("state", "open")
	query.Set("labels", label)
	query.Set("per_page", fmt.Sprintf("%d", pageSize))
	path := fmt.Sprintf("/repos/%s/issues?%s", repo, query.Encode())

	var resp []issueResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	issues := make([]actions.Issue, 0, len(resp))
	for _, item := range resp {
		issues = append(issues, actions.Issue{
			Number:        item.Number,
			Author:        item.User.Login,
			IsPullRequest: len(item.PullRequest) > 0 && string(item.PullRequest) != "null",
		})
	}
	return issues, nil
}

// Workflow is an Actions workflow registered in a repository.
type Workflow struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	State string `json:"state"`
}

type workflowsResponse struct {
	TotalCount int        `json:"total_count"`
	Workflows  []Workflow `json:"workflows"`
}

func (c *Client) ListWorkflows(ctx context.Context, repo string) ([]Workflow, error) {
	var workflows []Workflow
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/actions/workflows?per_page=%d&page=%d", repo, pageSize, page)
		var resp workflowsResponse
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		workflows = append(workflows, resp.Workflows...)
		if len(resp.Workflows) < pageSize || len(workflows) >= resp.TotalCount {
			return workflows, nil
		}
	}
}

type contentsResponse struct {
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// FileContents returns the decoded contents of a file on the default branch.
func (c *Client) FileContents(ctx context.Context, repo, filePath string) ([]byte, error) {
	path := fmt.Sprintf("/repos/%s/contents/%s", repo, strings.TrimLeft(filePath, "/"))
	var resp contentsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Encoding != "base64" {
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Encoding)
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	return data, nil
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// DispatchWorkflow triggers a workflow_dispatch event for the workflow file.
func (c *Client) DispatchWorkflow(ctx context.Context, repo, workflowFile, ref string, inputs map[string]string) error {
	path := fmt.Sprintf("/repos/%s/actions/workflows/%s/dispatches", repo, url.PathEscape(workflowFile))
	return c.doJSON(ctx, http.MethodPost, path, dispatchRequest{Ref: ref, Inputs: inputs}, nil)
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.Tokens != nil {
		return c.Tokens.Token(ctx)
	}
	return c.Token, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return errors.New("github client is nil")
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("github token: %w", err)
	}
	if token == "" && method != http.MethodGet {
		return errors.New("github token missing")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}
