package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"ndaflow/metasync"
	"ndaflow/signing"
)

// Requester hammers CreateRequest for one transaction. Every successful call
// must return the same request id; a second id means idempotency broke.
func Requester(ctx context.Context, svc *signing.Service, transactionID, providerID string, stop <-chan struct{}) error {
	var firstID string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		view, err := svc.CreateRequest(ctx, transactionID, providerID)
		if err == nil {
			if firstID == "" {
				firstID = view.ID
			} else if view.ID != firstID {
				return fmt.Errorf("requester: request id changed from %s to %s", firstID, view.ID)
			}
		}
		// errors are tolerated: chaos may kill the connection mid-call

		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// PartySigner signs repeatedly as one party. The first attempt may succeed;
// every later attempt must report the same original signing timestamp.
func PartySigner(ctx context.Context, svc *signing.Service, transactionID, userID string, stop <-chan struct{}) error {
	var signedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := svc.Sign(ctx, transactionID, userID, signing.SignParams{
			AgreedToTerms: true,
			IPAddress:     "198.51.100.7",
			UserAgent:     "stress-agent",
		})
		var already *signing.AlreadySignedError
		if errors.As(err, &already) {
			if signedAt.IsZero() {
				signedAt = already.SignedAt
			} else if !already.SignedAt.Equal(signedAt) {
				return fmt.Errorf("signer %s: recorded signing time moved from %s to %s", userID, signedAt, already.SignedAt)
			}
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// StatusReader polls the status projection and fails if a transaction it has
// seen completed ever reports pending again.
func StatusReader(ctx context.Context, svc *signing.Service, transactionID, callerID string, stop <-chan struct{}) error {
	var sawCompleted bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		res, err := svc.Status(ctx, transactionID, callerID)
		if err == nil && res.HasRequest {
			switch {
			case res.Status == signing.RequestCompleted:
				sawCompleted = true
			case sawCompleted:
				return fmt.Errorf("status reader: transaction %s regressed to %s after completion", transactionID, res.Status)
			}
		}

		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// WebhookReplayer keeps re-delivering the same vendor events, simulating a
// provider that retries aggressively and out of order. Duplicates and events
// for requests that are already done must be absorbed silently.
func WebhookReplayer(ctx context.Context, svc *signing.Service, vendorRequestID string, stop <-chan struct{}) error {
	events := []signing.VendorEvent{
		{ID: "stress-evt-provider", Type: signing.EventSignerSigned, VendorRequestID: vendorRequestID, SignerRole: "provider"},
		{ID: "stress-evt-customer", Type: signing.EventSignerSigned, VendorRequestID: vendorRequestID, SignerRole: "customer"},
		{ID: "stress-evt-completed", Type: signing.EventRequestCompleted, VendorRequestID: vendorRequestID},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		ev := events[rand.Intn(len(events))]
		ev.OccurredAt = time.Now().UTC()
		_ = svc.ApplyVendorEvent(ctx, ev)

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxDrainer runs the metadata sync worker's drain loop so queued patches
// keep flowing while the other actors generate conflicts.
func OutboxDrainer(ctx context.Context, worker *metasync.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_ = worker.DrainOnce(ctx)

		time.Sleep(100 * time.Millisecond)
	}
}
