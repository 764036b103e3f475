package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"ndaflow/signing"
)

const maxBodyBytes = 1 << 20

// EventApplier is the slice of the signing service the handler needs.
type EventApplier interface {
	ApplyVendorEvent(ctx context.Context, ev signing.VendorEvent) error
}

// Handler ingests vendor callbacks. Deliveries may arrive more than once and
// out of order; everything that authenticates is acked with 200 so the vendor
// stops redelivering, including no-ops.
type Handler struct {
	applier EventApplier
	secret  string
}

func NewHandler(applier EventApplier, secret string) *Handler {
	return &Handler{applier: applier, secret: secret}
}

type payload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	RequestID  string    `json:"request_id"`
	SignerRole string    `json:"signer_role"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !verifySignature(r.Header, rawBody, h.secret) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var p payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		// Authenticated but malformed; ack so the vendor does not retry a
		// payload we will never be able to parse.
		log.Printf("webhook: malformed payload: %v", err)
		ack(w)
		return
	}

	ev := signing.VendorEvent{
		ID:              p.EventID,
		Type:            p.EventType,
		VendorRequestID: p.RequestID,
		SignerRole:      signing.SignerRole(p.SignerRole),
		OccurredAt:      p.OccurredAt,
	}
	if hv := r.Header.Get(EventIDHeader); hv != "" {
		ev.ID = hv
	}
	if hv := r.Header.Get(EventTypeHeader); hv != "" {
		ev.Type = hv
	}

	if ev.ID == "" || ev.VendorRequestID == "" {
		// Permanently invalid; ack so the vendor does not redeliver forever.
		log.Printf("webhook: event missing id or request correlation, dropped")
		ack(w)
		return
	}

	if err := h.applier.ApplyVendorEvent(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, signing.ErrUnknownRequest),
			errors.Is(err, signing.ErrUnknownEventType),
			errors.Is(err, signing.ErrInvalidEvent):
			// No-op for us; ack so the vendor stops redelivering.
			log.Printf("webhook: event %s dropped: %v", ev.ID, err)
		default:
			// Transient failure. Surface a 500 so the vendor redelivers;
			// the idempotency key makes the retry safe.
			log.Printf("webhook: event %s failed: %v", ev.ID, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	ack(w)
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}
