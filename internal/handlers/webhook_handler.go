package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/stagepass/treasury/internal/services"
)

// SignatureHeader carries the gateway's HMAC signature for the raw payload.
const SignatureHeader = "Gateway-Signature"

type WebhookHandler struct {
	service *services.WebhookService
}

func NewWebhookHandler(service *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// HandleGatewayEvent receives signed gateway events.
// @Summary Receive gateway webhook
// @Description Verify, deduplicate and process a signed payment gateway event
// @Tags webhooks
// @Accept json
// @Produce json
// @Param Gateway-Signature header string true "HMAC signature header"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /webhooks/gateway [post]
func (h *WebhookHandler) HandleGatewayEvent(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.service.Process(r.Context(), payload, r.Header.Get(SignatureHeader))

	w.Header().Set("Content-Type", "application/json")
	switch {
	case errors.Is(err, services.ErrSignatureInvalid):
		// Never process unverified events. 400 tells the gateway the
		// delivery itself is bad, not the system.
		http.Error(w, "Invalid signature", http.StatusBadRequest)
	case errors.Is(err, services.ErrInvalidPayload):
		// No event id to record against; retrying cannot help.
		http.Error(w, "Malformed event payload", http.StatusBadRequest)
	case err != nil:
		// Transient: 5xx triggers the gateway's native retry.
		log.Printf("[WEBHOOK] Transient failure: %v", err)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
	case outcome == services.OutcomeSkipped:
		json.NewEncoder(w).Encode(map[string]string{"status": "skipped"})
	case outcome == services.OutcomeFailed:
		// Fatal for this event; acknowledged so the gateway stops retrying.
		json.NewEncoder(w).Encode(map[string]string{"status": "failed"})
	default:
		json.NewEncoder(w).Encode(map[string]string{"status": "processed"})
	}
}
