package http

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"hedgeapi/internal/creem"
	"hedgeapi/internal/middleware"
)

// maxWebhookBody bounds webhook payload reads. Creem events are small;
// anything larger is not a real event.
const maxWebhookBody = 1 << 20

// WebhookHandler serves POST /v1/webhooks/creem.
type WebhookHandler struct {
	processor *creem.Processor
	secret    string
	logger    *slog.Logger
}

// NewWebhookHandler creates the Creem webhook handler.
func NewWebhookHandler(processor *creem.Processor, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, secret: secret, logger: logger}
}

// Handle verifies the signature over the raw body before any decoding.
// Bad signatures get 401 and are never processed; valid events are
// always acknowledged with 200.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Unreadable body"})
		return
	}

	signature := r.Header.Get("x-creem-signature")
	if !creem.VerifySignature(h.secret, body, signature) {
		h.logger.WarnContext(r.Context(), "invalid webhook signature",
			"remote_ip", middleware.GetClientIP(r))
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "Invalid signature"})
		return
	}

	ack, err := h.processor.Process(r.Context(), body)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "webhook processing failed", "error", err)
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Malformed event"})
		return
	}

	render.JSON(w, r, ack)
}
