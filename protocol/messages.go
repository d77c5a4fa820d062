package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks construction failures of wire messages.
var ErrValidation = errors.New("protocol: validation failed")

// ValidationError names the first invalid field of a message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	if err := validate.RegisterValidation("ownerrepo", validateOwnerRepo); err != nil {
		panic(fmt.Sprintf("register ownerrepo validator: %v", err))
	}
}

func validateOwnerRepo(fl validator.FieldLevel) bool {
	owner, repo, ok := strings.Cut(fl.Field().String(), "/")
	return ok && owner != "" && repo != "" && !strings.Contains(repo, "/")
}

// fieldMessages holds one message per field, regardless of which rule failed.
var fieldMessages = map[string]string{
	"key":                       "key is required",
	"workflow_name":             "workflow_name is required",
	"signals":                   "signals list cannot be empty",
	"action":                    "action is required",
	"commit_sha":                "commit_sha is required",
	"pr_number":                 "pr_number must be positive",
	"pr_url":                    "pr_url is required",
	"pr_title":                  "pr_title is required",
	"repo_full_name":            "repo_full_name must be in 'owner/repo' format",
	"timestamp":                 "timestamp is required",
	"revert_action":             "revert_action is required",
	"action_type":               "action_type must be 'merge' or 'revert'",
	"breaking_workflows":        "breaking_workflows must not be empty",
	"breaking_notification_msg": "breaking_notification_msg is required",
}

// check validates a wire struct and reports the first failing field, in
// declaration order.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	field := verrs[0].Field()
	msg, ok := fieldMessages[field]
	if !ok {
		msg = fmt.Sprintf("%s is invalid", field)
	}
	return &ValidationError{Field: field, Message: msg}
}

type signalDetailWire struct {
	Key         string  `json:"key" validate:"required"`
	JobBaseName *string `json:"job_base_name"`
	TestModule  *string `json:"test_module"`
	WfRunID     *int64  `json:"wf_run_id"`
	JobID       *int64  `json:"job_id"`
	JobURL      *string `json:"job_url"`
	HUDURL      *string `json:"hud_url"`
}

// SignalDetail references one broken signal. It is immutable once built.
type SignalDetail struct {
	w signalDetailWire
}

type SignalDetailOption func(*signalDetailWire)

func WithJobBaseName(v string) SignalDetailOption {
	return func(w *signalDetailWire) { w.JobBaseName = &v }
}

func WithTestModule(v string) SignalDetailOption {
	return func(w *signalDetailWire) { w.TestModule = &v }
}

func WithWfRunID(v int64) SignalDetailOption {
	return func(w *signalDetailWire) { w.WfRunID = &v }
}

func WithJobID(v int64) SignalDetailOption {
	return func(w *signalDetailWire) { w.JobID = &v }
}

func WithJobURL(v string) SignalDetailOption {
	return func(w *signalDetailWire) { w.JobURL = &v }
}

func WithHUDURL(v string) SignalDetailOption {
	return func(w *signalDetailWire) { w.HUDURL = &v }
}

func NewSignalDetail(key string, opts ...SignalDetailOption) (SignalDetail, error) {
	w := signalDetailWire{Key: key}
	for _, opt := range opts {
		opt(&w)
	}
	return newSignalDetail(w)
}

func newSignalDetail(w signalDetailWire) (SignalDetail, error) {
	if err := check(w); err != nil {
		return SignalDetail{}, err
	}
	return SignalDetail{w: w}, nil
}

func (d SignalDetail) Key() string { return d.w.Key }
func (d SignalDetail) JobBaseName() (string, bool) { return deref(d.w.JobBaseName) }
func (d SignalDetail) TestModule() (string, bool) { return deref(d.w.TestModule) }
func (d SignalDetail) WfRunID() (int64, bool) { return deref(d.w.WfRunID) }
func (d SignalDetail) JobID() (int64, bool) { return deref(d.w.JobID) }
func (d SignalDetail) JobURL() (string, bool) { return deref(d.w.JobURL) }
func (d SignalDetail) HUDURL() (string, bool) { return deref(d.w.HUDURL) }
func (d SignalDetail) MarshalJSON() ([]byte, error) { return json.Marshal(d.w) }

func deref[T any](p *T) (T, bool) {
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

type breakingWorkflowWire struct {
	WorkflowName string             `json:"workflow_name" validate:"required"`
	Signals      []signalDetailWire `json:"signals" validate:"required,min=1,dive"`
}

// BreakingWorkflow groups the broken signals of one workflow.
type BreakingWorkflow struct {
	w breakingWorkflowWire
}

func NewBreakingWorkflow(name string, signals []SignalDetail) (BreakingWorkflow, error) {
	w := breakingWorkflowWire{WorkflowName: name}
	if len(signals) > 0 {
		w.Signals = make([]signalDetailWire, 0, len(signals))
	}
	for _, s := range signals {
		w.Signals = append(w.Signals, s.w)
	}
	if err := check(w); err != nil {
		return BreakingWorkflow{}, err
	}
	return BreakingWorkflow{w: w}, nil
}

func (b BreakingWorkflow) WorkflowName() string { return b.w.WorkflowName }

func (b BreakingWorkflow) Signals() []SignalDetail {
	out := make([]SignalDetail, 0, len(b.w.Signals))
	for _, s := range b.w.Signals {
		out = append(out, SignalDetail{w: s})
	}
	return out
}

func (b BreakingWorkflow) MarshalJSON() ([]byte, error) { return json.Marshal(b.w) }

type revertDecisionWire struct {
	Action                  string                 `json:"action" validate:"required"`
	CommitSHA               string                 `json:"commit_sha" validate:"required"`
	PRNumber                int                    `json:"pr_number" validate:"gt=0"`
	PRURL                   string                 `json:"pr_url" validate:"required"`
	PRTitle                 string                 `json:"pr_title" validate:"required"`
	RepoFullName            string                 `json:"repo_full_name" validate:"required,ownerrepo"`
	Timestamp               string                 `json:"timestamp" validate:"required"`
	RevertAction            string                 `json:"revert_action" validate:"required"`
	ActionType              string                 `json:"action_type" validate:"required,oneof=merge revert"`
	BreakingWorkflows       []breakingWorkflowWire `json:"breaking_workflows" validate:"required,min=1,dive"`
	BreakingNotificationMsg string                 `json:"breaking_notification_msg" validate:"required"`
	PRAuthor                *string                `json:"pr_author"`
}

// RevertDecision holds the inputs of a RevertDecisionMessage.
type RevertDecision struct {
	Action                  string
	CommitSHA               string
	PRNumber                int
	PRURL                   string
	PRTitle                 string
	RepoFullName            string
	Timestamp               string
	RevertAction            string
	ActionType              string
	BreakingWorkflows       []BreakingWorkflow
	BreakingNotificationMsg string
	PRAuthor                *string
}

// RevertDecisionMessage records one revert decision for downstream consumers.
// All fields are validated at construction and cannot change afterwards.
type RevertDecisionMessage struct {
	w revertDecisionWire
}

func NewRevertDecisionMessage(d RevertDecision) (RevertDecisionMessage, error) {
	w := revertDecisionWire{
		Action:                  d.Action,
		CommitSHA:               d.CommitSHA,
		PRNumber:                d.PRNumber,
		PRURL:                   d.PRURL,
		PRTitle:                 d.PRTitle,
		RepoFullName:            d.RepoFullName,
		Timestamp:               d.Timestamp,
		RevertAction:            d.RevertAction,
		ActionType:              d.ActionType,
		BreakingNotificationMsg: d.BreakingNotificationMsg,
	}
	if d.PRAuthor != nil {
		author := *d.PRAuthor
		w.PRAuthor = &author
	}
	if len(d.BreakingWorkflows) > 0 {
		w.BreakingWorkflows = make([]breakingWorkflowWire, 0, len(d.BreakingWorkflows))
	}
	for _, bw := range d.BreakingWorkflows {
		w.BreakingWorkflows = append(w.BreakingWorkflows, bw.w)
	}
	if err := check(w); err != nil {
		return RevertDecisionMessage{}, err
	}
	return RevertDecisionMessage{w: w}, nil
}

func (m RevertDecisionMessage) Action() string { return m.w.Action }
func (m RevertDecisionMessage) CommitSHA() string { return m.w.CommitSHA }
func (m RevertDecisionMessage) PRNumber() int { return m.w.PRNumber }
func (m RevertDecisionMessage) PRURL() string { return m.w.PRURL }
func (m RevertDecisionMessage) PRTitle() string { return m.w.PRTitle }
func (m RevertDecisionMessage) RepoFullName() string { return m.w.RepoFullName }
func (m RevertDecisionMessage) Timestamp() string { return m.w.Timestamp }
func (m RevertDecisionMessage) RevertAction() string { return m.w.RevertAction }
func (m RevertDecisionMessage) ActionType() string { return m.w.ActionType }
func (m RevertDecisionMessage) BreakingNotificationMsg() string { return m.w.BreakingNotificationMsg }
func (m RevertDecisionMessage) PRAuthor() (string, bool) { return deref(m.w.PRAuthor) }

func (m RevertDecisionMessage) BreakingWorkflows() []BreakingWorkflow {
	out := make([]BreakingWorkflow, 0, len(m.w.BreakingWorkflows))
	for _, bw := range m.w.BreakingWorkflows {
		out = append(out, BreakingWorkflow{w: bw})
	}
	return out
}

func (m RevertDecisionMessage) MarshalJSON() ([]byte, error) { return json.Marshal(m.w) }

// ToJSON encodes the message. Equal messages encode to identical bytes.
func (m RevertDecisionMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m.w)
}

// FromJSON decodes and validates a message, nested objects first. Unknown
// fields are ignored so producers can add fields ahead of consumers.
func FromJSON(data []byte) (RevertDecisionMessage, error) {
	var w revertDecisionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return RevertDecisionMessage{}, fmt.Errorf("decode revert decision: %w", err)
	}
	return fromWire(w)
}

// FromMap builds a message from a generic mapping such as a decoded queue
// payload.
func FromMap(data map[string]any) (RevertDecisionMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return RevertDecisionMessage{}, fmt.Errorf("encode revert decision map: %w", err)
	}
	return FromJSON(raw)
}

func fromWire(w revertDecisionWire) (RevertDecisionMessage, error) {
	workflows := make([]BreakingWorkflow, 0, len(w.BreakingWorkflows))
	for _, bw := range w.BreakingWorkflows {
		signals := make([]SignalDetail, 0, len(bw.Signals))
		for _, s := range bw.Signals {
			detail, err := newSignalDetail(s)
			if err != nil {
				return RevertDecisionMessage{}, err
			}
			signals = append(signals, detail)
		}
		workflow, err := NewBreakingWorkflow(bw.WorkflowName, signals)
		if err != nil {
			return RevertDecisionMessage{}, err
		}
		workflows = append(workflows, workflow)
	}
	return NewRevertDecisionMessage(RevertDecision{
		Action:                  w.Action,
		CommitSHA:               w.CommitSHA,
		PRNumber:                w.PRNumber,
		PRURL:                   w.PRURL,
		PRTitle:                 w.PRTitle,
		RepoFullName:            w.RepoFullName,
		Timestamp:               w.Timestamp,
		RevertAction:            w.RevertAction,
		ActionType:              w.ActionType,
		BreakingWorkflows:       workflows,
		BreakingNotificationMsg: w.BreakingNotificationMsg,
		PRAuthor:                w.PRAuthor,
	})
}
