package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/internal/vcs/github"
	"github.com/izavyalov-dev/ci-autorevert/state"
)

const maxWebhookBody = 5 << 20

// Triggerer queues an evaluation.
type Triggerer interface {
	Trigger() bool
}

// HTTPConfig configures the internal endpoints.
type HTTPConfig struct {
	Repo          string
	BranchRef     string
	WebhookSecret string
	Metrics       *observability.Metrics
	// Health, when set, is checked by /healthz.
	Health func(ctx context.Context) error
}

// NewHTTPHandler wires health, metrics, run state and GitHub webhook endpoints.
func NewHTTPHandler(service *Service, trigger Triggerer, config HTTPConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if config.Health != nil {
			if err := config.Health(r.Context()); err != nil {
				logger.Warn("health check failed", "event", "health_check_failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/state/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		repo := r.URL.Query().Get("repo")
		if repo == "" {
			repo = config.Repo
		}
		record, err := service.LatestRunState(r.Context(), repo)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			logger.Error("latest run state failed", "event", "run_state_read_failed", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			state.RunStateRecord
			State json.RawMessage `json:"state"`
		}{record, json.RawMessage(record.State)})
	})

	mux.HandleFunc("/api/v1/webhooks/github", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		event := r.Header.Get("X-GitHub-Event")
		log := observability.WithDelivery(logger, r.Header.Get("X-GitHub-Delivery"))

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			config.Metrics.IncWebhook(event, "read_error")
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if config.WebhookSecret != "" {
			ok, err := github.VerifySignature(config.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256"))
			if err != nil || !ok {
				config.Metrics.IncWebhook(event, "unauthorized")
				log.Warn("webhook signature rejected", "event", "webhook_rejected", "github_event", event)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		push, ok, err := github.ParsePushEvent(event, body, config.BranchRef)
		if err != nil {
			config.Metrics.IncWebhook(event, "invalid")
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !ok || (config.Repo != "" && push.Repo != config.Repo) {
			config.Metrics.IncWebhook(event, "ignored")
			w.WriteHeader(http.StatusAccepted)
			return
		}

		queued := trigger.Trigger()
		key, _ := github.ComputeEventKey(push.Repo, push.CommitSHA)
		config.Metrics.IncWebhook(event, "triggered")
		log.Info("push received", "event", "webhook_push", "repo", push.Repo, "commit_sha", push.CommitSHA, "event_key", key, "queued", queued)
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
