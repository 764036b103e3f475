package signing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ndaflow/directory"
	"ndaflow/document"
	"ndaflow/metasync"
)

// TestSigningFlow_Integration connects to a real PostgreSQL via DATABASE_URL
// and runs the full sign-to-completion flow against the live schema,
// including webhook replay idempotency.
func TestSigningFlow_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "signature_requests") || !tableExists(ctx, t, pool, "signers") || !tableExists(ctx, t, pool, "idempotency") || !tableExists(ctx, t, pool, "sync_outbox") {
		t.Skip("database schema missing; apply migrations/ first")
	}

	var (
		providerID string
		customerID string
		listingID  string
		txnID      string
	)

	mustQueryRow := func(query string, args ...any) pgx.Row {
		return pool.QueryRow(ctx, query, args...)
	}

	stamp := time.Now().UnixNano()
	if err := mustQueryRow(`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Paula Provider', 'x', 'provider') RETURNING id`,
		fmt.Sprintf("paula+%d@example.com", stamp)).Scan(&providerID); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := mustQueryRow(`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Carl Customer', 'x', 'customer') RETURNING id`,
		fmt.Sprintf("carl+%d@example.com", stamp)).Scan(&customerID); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if err := mustQueryRow(`INSERT INTO listings (owner_user_id, title) VALUES ($1, 'Integration Listing') RETURNING id`, providerID).Scan(&listingID); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO nda_documents (listing_id, uploaded_by, nda_text) VALUES ($1, $2, 'All disclosures stay private.')`, listingID, providerID); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := mustQueryRow(`INSERT INTO transactions (listing_id, provider_user_id, customer_user_id) VALUES ($1, $2, $3) RETURNING id`,
		listingID, providerID, customerID).Scan(&txnID); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM signers WHERE request_id IN (SELECT id FROM signature_requests WHERE transaction_id = $1)`, txnID)
		pool.Exec(ctx2, `DELETE FROM signature_requests WHERE transaction_id = $1`, txnID)
		pool.Exec(ctx2, `DELETE FROM sync_outbox WHERE transaction_id = $1`, txnID)
		pool.Exec(ctx2, `DELETE FROM transactions WHERE id = $1`, txnID)
		pool.Exec(ctx2, `DELETE FROM nda_documents WHERE listing_id = $1`, listingID)
		pool.Exec(ctx2, `DELETE FROM listings WHERE id = $1`, listingID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, providerID, customerID)
	})

	dir := directory.NewPGDirectory(pool)
	outbox := metasync.NewOutbox(pool)
	syncer := metasync.NewSyncer(dir, outbox)
	docs := document.NewService(pool, document.NewRepository(pool), dir)
	svc := NewService(pool, NewRepository(pool), dir, docs, NativeBackend{}, syncer)

	// Explicit request creation, then replayed: the same request must come back.
	view, err := svc.CreateRequest(ctx, txnID, providerID)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	again, err := svc.CreateRequest(ctx, txnID, providerID)
	if err != nil {
		t.Fatalf("create request (replay): %v", err)
	}
	if again.ID != view.ID {
		t.Fatalf("replayed create returned %s, want %s", again.ID, view.ID)
	}

	// Both parties sign; second party's success must complete the request.
	if _, err := svc.Sign(ctx, txnID, providerID, SignParams{AgreedToTerms: true, IPAddress: "127.0.0.1"}); err != nil {
		t.Fatalf("provider sign: %v", err)
	}
	result, err := svc.Sign(ctx, txnID, customerID, SignParams{AgreedToTerms: true, IPAddress: "127.0.0.1"})
	if err != nil {
		t.Fatalf("customer sign: %v", err)
	}
	if !result.AllSigned {
		t.Fatalf("expected completion after second signature")
	}

	var (
		status      string
		completedAt *time.Time
		signedURL   *string
	)
	if err := mustQueryRow(`SELECT status, completed_at, signed_document_url FROM signature_requests WHERE id = $1`, view.ID).Scan(&status, &completedAt, &signedURL); err != nil {
		t.Fatalf("verify request: %v", err)
	}
	if status != string(RequestCompleted) || completedAt == nil || signedURL == nil {
		t.Fatalf("unexpected request state: status=%s completedAt=%v signedURL=%v", status, completedAt, signedURL)
	}

	// A repeated signature must report the original timestamp and change nothing.
	var firstSignedAt time.Time
	if err := mustQueryRow(`SELECT signed_at FROM signers WHERE request_id = $1 AND role = 'provider'`, view.ID).Scan(&firstSignedAt); err != nil {
		t.Fatalf("read provider signed_at: %v", err)
	}
	_, err = svc.Sign(ctx, txnID, providerID, SignParams{AgreedToTerms: true})
	var already *AlreadySignedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadySignedError, got %v", err)
	}
	if !already.SignedAt.Equal(firstSignedAt) {
		t.Fatalf("replayed sign reported %s, want %s", already.SignedAt, firstSignedAt)
	}

	// Transaction metadata converged (possibly via the outbox worker).
	worker := metasync.NewWorker(syncer, outbox)
	if err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("drain outbox: %v", err)
	}
	bag, err := dir.TransactionMetadata(ctx, txnID)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if v, _ := bag.Values[MetaFullySigned].(bool); !v {
		t.Fatalf("expected %s=true in transaction metadata, got %v", MetaFullySigned, bag.Values[MetaFullySigned])
	}
	if bag.Values[MetaStatus] != string(RequestCompleted) {
		t.Fatalf("expected %s=completed, got %v", MetaStatus, bag.Values[MetaStatus])
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
