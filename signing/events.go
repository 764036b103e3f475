package signing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Vendor event types accepted from the hosted signing provider.
const (
	EventSignerSigned     = "signer.signed"
	EventRequestCompleted = "request.completed"
)

var (
	// ErrUnknownEventType signals an event type the engine does not map.
	ErrUnknownEventType = errors.New("signing: unknown vendor event type")
	// ErrUnknownRequest signals no request matches the vendor correlation id.
	ErrUnknownRequest = errors.New("signing: no request for vendor correlation id")
	// ErrInvalidEvent signals an event that can never be applied, no matter
	// how often the vendor redelivers it.
	ErrInvalidEvent = errors.New("signing: invalid vendor event")
)

// VendorEvent is a provider-originated event normalized by the webhook layer.
type VendorEvent struct {
	ID              string
	Type            string
	VendorRequestID string
	SignerRole      SignerRole
	OccurredAt      time.Time
}

// ApplyVendorEvent applies an asynchronous vendor event idempotently.
// Redelivery of the same event id is a no-op, and a completion event arriving
// before an individual signed event still converges to the completed state.
func (s *Service) ApplyVendorEvent(ctx context.Context, ev VendorEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if ev.VendorRequestID == "" {
		return fmt.Errorf("%w: missing request correlation id", ErrInvalidEvent)
	}
	if ev.Type != EventSignerSigned && ev.Type != EventRequestCompleted {
		return ErrUnknownEventType
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, "vendor-event:"+ev.ID); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	req, err := s.repo.GetByVendorRequestForUpdate(ctx, tx, ev.VendorRequestID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return ErrUnknownRequest
		}
		return err
	}

	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	occurredAt = occurredAt.UTC()

	var (
		updated   []Signer
		completed bool
	)

	switch ev.Type {
	case EventSignerSigned:
		signer := req.signerByRole(ev.SignerRole)
		if signer == nil {
			return fmt.Errorf("%w: no %s signer on request %s", ErrInvalidEvent, ev.SignerRole, req.ID)
		}
		if signer.Status != SignerSigned {
			markSignedByVendor(signer, occurredAt)
			updated = append(updated, *signer)
		}
	case EventRequestCompleted:
		for i := range req.Signers {
			if req.Signers[i].Status != SignerSigned {
				markSignedByVendor(&req.Signers[i], occurredAt)
				updated = append(updated, req.Signers[i])
			}
		}
	}

	for _, signer := range updated {
		if err := s.repo.UpdateSigner(ctx, tx, signer); err != nil {
			return err
		}
	}

	if req.Status != RequestCompleted && req.allSigned() {
		signedURL := signedDocumentURL(req.ID)
		if err := s.repo.Complete(ctx, tx, req.ID, occurredAt, signedURL); err != nil {
			if !errors.Is(err, ErrAlreadyCompleted) {
				return err
			}
		} else {
			req.Status = RequestCompleted
			req.CompletedAt = &occurredAt
			req.SignedDocumentURL = &signedURL
			completed = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signing: commit: %w", err)
	}

	if len(updated) > 0 || completed {
		s.syncAfterCommit(ctx, req.TransactionID, vendorPatch(req, updated, completed))
	}

	return nil
}

func markSignedByVendor(signer *Signer, at time.Time) {
	data := fmt.Sprintf("Signed by %s via hosted signing", signer.Name)
	signer.Status = SignerSigned
	signer.SignedAt = &at
	signer.SignatureData = &data
}

func vendorPatch(req SignatureRequest, updated []Signer, completed bool) map[string]any {
	patch := map[string]any{
		MetaRequestID: req.ID,
		MetaStatus:    string(req.Status),
	}
	for _, signer := range updated {
		key := MetaCustomerSignedAt
		if signer.Role == RoleProvider {
			key = MetaProviderSignedAt
		}
		if signer.SignedAt != nil {
			patch[key] = signer.SignedAt.UTC().Format(time.RFC3339)
		}
	}
	if completed {
		patch[MetaFullySigned] = true
		if req.CompletedAt != nil {
			patch[MetaCompletedAt] = req.CompletedAt.UTC().Format(time.RFC3339)
		}
		if req.SignedDocumentURL != nil {
			patch[MetaSignedDocumentURL] = *req.SignedDocumentURL
		}
	}
	return patch
}
