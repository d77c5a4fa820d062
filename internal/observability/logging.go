package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	return newLogger(os.Stdout, component)
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return newLogger(io.Discard, "")
}

var logLevel = new(slog.LevelVar)

// SetLogLevel changes the level of every logger built by this package.
func SetLogLevel(name string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	logLevel.Set(level)
	return nil
}

func newLogger(w io.Writer, component string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithCommit(logger *slog.Logger, sha string) *slog.Logger {
	if logger == nil || sha == "" {
		return logger
	}
	return logger.With("commit_sha", sha)
}

func WithWorkflow(logger *slog.Logger, workflow string) *slog.Logger {
	if logger == nil || workflow == "" {
		return logger
	}
	return logger.With("workflow", workflow)
}

func WithEvaluation(logger *slog.Logger, evaluationID string) *slog.Logger {
	if logger == nil || evaluationID == "" {
		return logger
	}
	return logger.With("evaluation_id", evaluationID)
}

// WithDelivery tags a logger with a hashed webhook delivery id.
func WithDelivery(logger *slog.Logger, deliveryID string) *slog.Logger {
	if logger == nil || deliveryID == "" {
		return logger
	}
	return logger.With("delivery_id_hash", hashID(deliveryID))
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
