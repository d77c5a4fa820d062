package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrInvalidRepo      = errors.New("invalid repo format")
)

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

const (
	inputJobsToInclude  = "jobs-to-include"
	inputTestsToInclude = "tests-to-include"
)

// ValidateRepo checks the owner/repo format.
func ValidateRepo(repo string) error {
	if !repoPattern.MatchString(repo) {
		return fmt.Errorf("%w: %q, expected 'owner/repo'", ErrInvalidRepo, repo)
	}
	return nil
}

// WorkflowRef names a workflow by display name and file basename.
type WorkflowRef struct {
	DisplayName string
	FileName    string
}

// InputSupport lists the filtering inputs a workflow_dispatch trigger accepts.
type InputSupport struct {
	JobsToInclude  bool
	TestsToInclude bool
}

func (s InputSupport) SupportsFiltering() bool {
	return s.JobsToInclude || s.TestsToInclude
}

type workflowSource interface {
	ListWorkflows(ctx context.Context, repo string) ([]Workflow, error)
	FileContents(ctx context.Context, repo, filePath string) ([]byte, error)
}

type repoIndex struct {
	byDisplay map[string]WorkflowRef
	byFile    map[string]WorkflowRef
	inputs    map[string]InputSupport
}

// WorkflowResolver resolves workflows by exact display name or file basename.
// Indexes are built once per repo and cached.
type WorkflowResolver struct {
	source workflowSource
	logger *slog.Logger

	mu    sync.Mutex
	repos map[string]*repoIndex
}

func NewWorkflowResolver(source workflowSource, logger *slog.Logger) *WorkflowResolver {
	if logger == nil {
		logger = observability.NewLogger("github.resolver")
	}
	return &WorkflowResolver{
		source: source,
		logger: logger,
		repos:  make(map[string]*repoIndex),
	}
}

// Resolve returns the workflow matching name exactly. No match is not an error.
func (r *WorkflowResolver) Resolve(ctx context.Context, repo, name string) (WorkflowRef, bool, error) {
	idx, err := r.index(ctx, repo)
	if err != nil {
		return WorkflowRef{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := idx.byDisplay[name]; ok {
		return ref, true, nil
	}
	if ref, ok := idx.byFile[name]; ok {
		return ref, true, nil
	}
	return WorkflowRef{}, false, nil
}

// Require resolves name or returns ErrWorkflowNotFound listing the candidates.
func (r *WorkflowResolver) Require(ctx context.Context, repo, name string) (WorkflowRef, error) {
	ref, ok, err := r.Resolve(ctx, repo, name)
	if err != nil {
		return WorkflowRef{}, err
	}
	if ok {
		return ref, nil
	}
	r.mu.Lock()
	idx := r.repos[repo]
	display := sortedKeys(idx.byDisplay)
	files := sortedKeys(idx.byFile)
	r.mu.Unlock()
	return WorkflowRef{}, fmt.Errorf("%w: %q in %s (display names: [%s], files: [%s])",
		ErrWorkflowNotFound, name, repo, strings.Join(display, ", "), strings.Join(files, ", "))
}

// InputSupport reports which filtering inputs the workflow accepts. Unreadable
// or malformed workflow files report no support.
func (r *WorkflowResolver) InputSupport(ctx context.Context, repo, name string) (InputSupport, error) {
	ref, err := r.Require(ctx, repo, name)
	if err != nil {
		return InputSupport{}, err
	}
	r.mu.Lock()
	idx := r.repos[repo]
	support, ok := idx.inputs[ref.FileName]
	r.mu.Unlock()
	if ok {
		return support, nil
	}

	content, err := r.source.FileContents(ctx, repo, path.Join(".github/workflows", ref.FileName))
	if err != nil {
		return InputSupport{}, fmt.Errorf("fetch workflow %s: %w", ref.FileName, err)
	}
	support, err = parseWorkflowInputs(content)
	if err != nil {
		r.logger.Warn("workflow yaml unreadable", "event", "workflow_yaml_invalid", "repo", repo, "file", ref.FileName, "error", err)
		support = InputSupport{}
	}
	r.logger.Debug("workflow input support", "event", "workflow_inputs", "repo", repo, "file", ref.FileName, "jobs", support.JobsToInclude, "tests", support.TestsToInclude)

	r.mu.Lock()
	idx.inputs[ref.FileName] = support
	r.mu.Unlock()
	return support, nil
}

func (r *WorkflowResolver) index(ctx context.Context, repo string) (*repoIndex, error) {
	if err := ValidateRepo(repo); err != nil {
		return nil, err
	}
	r.mu.Lock()
	idx, ok := r.repos[repo]
	r.mu.Unlock()
	if ok {
		return idx, nil
	}

	workflows, err := r.source.ListWorkflows(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	idx = &repoIndex{
		byDisplay: make(map[string]WorkflowRef),
		byFile:    make(map[string]WorkflowRef),
		inputs:    make(map[string]InputSupport),
	}
	for _, wf := range workflows {
		// disabled entries can outlive their deleted files
		if wf.State != "active" {
			continue
		}
		if wf.Name == "" || wf.Path == "" {
			continue
		}
		base := path.Base(wf.Path)
		if existing, dup := idx.byDisplay[wf.Name]; dup {
			r.logger.Warn("duplicate workflow display name", "event", "workflow_duplicate", "repo", repo, "name", wf.Name, "kept", existing.FileName, "ignored", base)
			continue
		}
		ref := WorkflowRef{DisplayName: wf.Name, FileName: base}
		idx.byDisplay[wf.Name] = ref
		idx.byFile[base] = ref
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.repos[repo]; ok {
		return cached, nil
	}
	r.repos[repo] = idx
	return idx, nil
}

type workflowDocument struct {
	On yaml.Node `yaml:"on"`
}

func parseWorkflowInputs(content []byte) (InputSupport, error) {
	var doc workflowDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return InputSupport{}, err
	}
	dispatch := mappingValue(&doc.On, "workflow_dispatch")
	inputs := mappingValue(dispatch, "inputs")
	return InputSupport{
		JobsToInclude:  mappingValue(inputs, inputJobsToInclude) != nil,
		TestsToInclude: mappingValue(inputs, inputTestsToInclude) != nil,
	}, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func sortedKeys(m map[string]WorkflowRef) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
