package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

const maxBodyBytes = 1 << 20

var tracer = otel.Tracer("zapdesk.internal.webhook")

// TokenVerifier checks the shared webhook secret.
type TokenVerifier interface {
	VerifyWebhookToken(token string) error
}

// Handler serves POST /webhooks/evolution.
type Handler struct {
	processor Processor
	verifier  TokenVerifier
	metrics   *metrics.PipelineMetrics
	logger    *logging.Logger
}

func NewHandler(processor Processor, verifier TokenVerifier, m *metrics.PipelineMetrics, logger *logging.Logger) *Handler {
	if processor == nil {
		panic("webhook: processor cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		processor: processor,
		verifier:  verifier,
		metrics:   m,
		logger:    logger,
	}
}

type response struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := tracer.Start(r.Context(), "webhook.evolution")
	defer span.End()

	if h.verifier != nil {
		token := r.Header.Get("apikey")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if err := h.verifier.VerifyWebhookToken(token); err != nil {
			h.logger.Warn("rejected evolution webhook", "error", err, "remote_addr", r.RemoteAddr)
			span.RecordError(err)
			h.finish(w, started, "unauthorized", http.StatusUnauthorized, response{Status: "error", Error: "unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		h.finish(w, started, "malformed", http.StatusBadRequest, response{Status: "error", Error: "unreadable body"})
		return
	}

	evt, err := Parse(body)
	switch {
	case errors.Is(err, ErrIgnored):
		h.logger.Debug("evolution webhook ignored", "reason", err)
		h.finish(w, started, string(OutcomeIgnored), http.StatusOK, response{Status: "ok", Outcome: string(OutcomeIgnored)})
		return
	case err != nil:
		h.logger.Warn("malformed evolution webhook", "error", err)
		span.RecordError(err)
		h.finish(w, started, "malformed", http.StatusBadRequest, response{Status: "error", Error: err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("zapdesk.channel", evt.ChannelName),
		attribute.String("zapdesk.message_id", evt.MessageID),
		attribute.String("zapdesk.kind", evt.Kind.String()),
		attribute.Bool("zapdesk.from_me", evt.FromMe),
	)

	outcome, err := h.processor.HandleInbound(ctx, evt)
	switch {
	case errors.Is(err, ErrUnknownChannel):
		h.logger.Warn("webhook for unknown channel", "channel", evt.ChannelName)
		h.finish(w, started, "unknown_channel", http.StatusNotFound, response{Status: "error", Error: "channel not found"})
		return
	case err != nil:
		h.logger.Error("inbound pipeline failed", "error", err, "channel", evt.ChannelName, "message_id", evt.MessageID)
		span.RecordError(err)
		h.finish(w, started, "error", http.StatusInternalServerError, response{Status: "error", Error: "processing failed"})
		return
	}

	h.logger.Info("evolution webhook processed",
		"channel", evt.ChannelName,
		"message_id", evt.MessageID,
		"kind", evt.Kind.String(),
		"outcome", outcome,
	)
	h.finish(w, started, string(outcome), http.StatusOK, response{Status: "ok", Outcome: string(outcome)})
}

func (h *Handler) finish(w http.ResponseWriter, started time.Time, outcome string, status int, payload response) {
	h.metrics.ObserveInbound(outcome, time.Since(started).Seconds())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
