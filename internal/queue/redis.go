package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/izavyalov-dev/ci-autorevert/actions"
	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/protocol"
)

const (
	DefaultDecisionStream = "autorevert:decisions"
	defaultMaxLen         = 10000

	fieldPayload   = "payload"
	fieldCommitSHA = "commit_sha"
	fieldRepo      = "repo_full_name"
	fieldAction    = "revert_action"
)

// RedisPublisher appends revert decisions to a Redis stream.
type RedisPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
	logger *slog.Logger
}

func NewRedisPublisher(client redis.Cmdable, stream string, logger *slog.Logger) *RedisPublisher {
	if stream == "" {
		stream = DefaultDecisionStream
	}
	if logger == nil {
		logger = observability.NewLogger("queue")
	}
	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: defaultMaxLen,
		logger: logger,
	}
}

var _ actions.Publisher = (*RedisPublisher)(nil)

func (p *RedisPublisher) Publish(ctx context.Context, msg protocol.RevertDecisionMessage) error {
	fields, err := decisionFields(msg)
	if err != nil {
		return err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return fmt.Errorf("publish decision: %w", err)
	}
	p.logger.InfoContext(ctx, "decision published",
		"event", "decision_published",
		"stream", p.stream,
		"message_id", id,
		"commit_sha", msg.CommitSHA(),
		"pr_number", msg.PRNumber(),
	)
	return nil
}

func decisionFields(msg protocol.RevertDecisionMessage) (map[string]any, error) {
	payload, err := msg.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	return map[string]any{
		fieldPayload:   string(payload),
		fieldCommitSHA: msg.CommitSHA(),
		fieldRepo:      msg.RepoFullName(),
		fieldAction:    msg.RevertAction(),
	}, nil
}

// ParseDecision decodes a stream entry written by RedisPublisher.
func ParseDecision(entry redis.XMessage) (protocol.RevertDecisionMessage, error) {
	raw, ok := entry.Values[fieldPayload]
	if !ok {
		return protocol.RevertDecisionMessage{}, errors.New("stream entry missing payload")
	}
	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return protocol.RevertDecisionMessage{}, fmt.Errorf("unexpected payload type %T", raw)
	}
	return protocol.FromJSON(payload)
}
