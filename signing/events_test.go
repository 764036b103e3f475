package signing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newVendorFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &stubBackend{result: &EmbeddedResult{
		VendorRequestID: "vnd-1",
		SignURLs: []SignURL{
			{Role: RoleProvider, URL: "https://vendor.example.com/sign/p"},
			{Role: RoleCustomer, URL: "https://vendor.example.com/sign/c"},
		},
	}}
	f := newFixture(t, backend)
	f.withDocument("terms")
	if _, err := f.svc.CreateRequest(context.Background(), "txn-1", "provider-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	return f
}

func TestApplyVendorEvent_SignerSigned(t *testing.T) {
	f := newVendorFixture(t)
	occurred := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	err := f.svc.ApplyVendorEvent(context.Background(), VendorEvent{
		ID:              "ev-1",
		Type:            EventSignerSigned,
		VendorRequestID: "vnd-1",
		SignerRole:      RoleProvider,
		OccurredAt:      occurred,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	stored := f.repo.byTransaction["txn-1"]
	provider := stored.signerByRole(RoleProvider)
	if provider.Status != SignerSigned {
		t.Fatalf("expected signed provider, got %s", provider.Status)
	}
	if provider.SignedAt == nil || !provider.SignedAt.Equal(occurred) {
		t.Fatalf("expected signedAt %v, got %v", occurred, provider.SignedAt)
	}
	if stored.Status != RequestPending {
		t.Fatalf("expected still pending, got %s", stored.Status)
	}
}

func TestApplyVendorEvent_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newVendorFixture(t)
	ev := VendorEvent{
		ID:              "ev-1",
		Type:            EventSignerSigned,
		VendorRequestID: "vnd-1",
		SignerRole:      RoleProvider,
		OccurredAt:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	if err := f.svc.ApplyVendorEvent(context.Background(), ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	syncsAfterFirst := len(f.syncer.patches)

	if err := f.svc.ApplyVendorEvent(context.Background(), ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(f.syncer.patches) != syncsAfterFirst {
		t.Fatal("redelivery must not produce another metadata sync")
	}
}

func TestApplyVendorEvent_BothSignedCompletesOnce(t *testing.T) {
	f := newVendorFixture(t)
	ctx := context.Background()

	events := []VendorEvent{
		{ID: "ev-1", Type: EventSignerSigned, VendorRequestID: "vnd-1", SignerRole: RoleProvider},
		{ID: "ev-2", Type: EventSignerSigned, VendorRequestID: "vnd-1", SignerRole: RoleCustomer},
	}
	for _, ev := range events {
		if err := f.svc.ApplyVendorEvent(ctx, ev); err != nil {
			t.Fatalf("apply %s: %v", ev.ID, err)
		}
	}

	stored := f.repo.byTransaction["txn-1"]
	if stored.Status != RequestCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.SignedDocumentURL == nil {
		t.Fatal("expected signed document url")
	}
	if f.repo.completions != 1 {
		t.Fatalf("expected one completion, got %d", f.repo.completions)
	}
}

func TestApplyVendorEvent_OutOfOrderConverges(t *testing.T) {
	f := newVendorFixture(t)
	ctx := context.Background()

	// The "fully signed" event arrives before the individual signed event.
	if err := f.svc.ApplyVendorEvent(ctx, VendorEvent{
		ID: "ev-2", Type: EventRequestCompleted, VendorRequestID: "vnd-1",
	}); err != nil {
		t.Fatalf("completed event: %v", err)
	}

	stored := f.repo.byTransaction["txn-1"]
	if stored.Status != RequestCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	completedAt := *stored.CompletedAt

	if err := f.svc.ApplyVendorEvent(ctx, VendorEvent{
		ID: "ev-1", Type: EventSignerSigned, VendorRequestID: "vnd-1", SignerRole: RoleProvider,
	}); err != nil {
		t.Fatalf("late signer event: %v", err)
	}

	stored = f.repo.byTransaction["txn-1"]
	if stored.Status != RequestCompleted {
		t.Fatal("late event must not regress completion")
	}
	if !stored.CompletedAt.Equal(completedAt) {
		t.Fatal("late event must not move completedAt")
	}
	if f.repo.completions != 1 {
		t.Fatalf("expected one completion, got %d", f.repo.completions)
	}
}

func TestApplyVendorEvent_UnknownRequest(t *testing.T) {
	f := newVendorFixture(t)

	err := f.svc.ApplyVendorEvent(context.Background(), VendorEvent{
		ID: "ev-9", Type: EventSignerSigned, VendorRequestID: "vnd-unknown", SignerRole: RoleProvider,
	})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestApplyVendorEvent_UnknownType(t *testing.T) {
	f := newVendorFixture(t)

	err := f.svc.ApplyVendorEvent(context.Background(), VendorEvent{
		ID: "ev-9", Type: "request.voided", VendorRequestID: "vnd-1",
	})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestApplyVendorEvent_InvalidEvents(t *testing.T) {
	f := newVendorFixture(t)

	cases := []struct {
		name string
		ev   VendorEvent
	}{
		{"missing event id", VendorEvent{Type: EventSignerSigned, VendorRequestID: "vnd-1", SignerRole: RoleProvider}},
		{"missing request id", VendorEvent{ID: "ev-9", Type: EventSignerSigned, SignerRole: RoleProvider}},
		{"unknown signer role", VendorEvent{ID: "ev-10", Type: EventSignerSigned, VendorRequestID: "vnd-1", SignerRole: "witness"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.svc.ApplyVendorEvent(context.Background(), tc.ev)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}

	stored := f.repo.byTransaction["txn-1"]
	if stored.Status != RequestPending {
		t.Fatalf("expected request untouched, got %s", stored.Status)
	}
}
