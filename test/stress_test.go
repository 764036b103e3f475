package test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"ndaflow/directory"
	"ndaflow/document"
	"ndaflow/metasync"
	"ndaflow/signing"
	"ndaflow/test/actors"
	"ndaflow/test/chaos"
	"ndaflow/test/infra"
	"ndaflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestNdaWorkflowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("NDAFLOW_TEST_PG_DSN") != "":
		dsn = os.Getenv("NDAFLOW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	// A stand-in for the vendor-hosted signing provider: always creates the
	// same embedded request so the webhook replayer has a known correlation id.
	vendorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"request_id": "vnd-stress-1",
			"sign_urls": []map[string]string{
				{"role": "provider", "url": "https://vendor.example/s/p"},
				{"role": "customer", "url": "https://vendor.example/s/c"},
			},
		})
	}))
	defer vendorSrv.Close()

	dir := directory.NewPGDirectory(pool)
	outbox := metasync.NewOutbox(pool)
	syncer := metasync.NewSyncer(dir, outbox)
	worker := metasync.NewWorker(syncer, outbox)
	docs := document.NewService(pool, document.NewRepository(pool), dir)

	repo := signing.NewRepository(pool)
	nativeSvc := signing.NewService(pool, repo, dir, docs, signing.NativeBackend{}, syncer)
	vendorSvc := signing.NewService(pool, repo, dir, docs, signing.NewVendorBackend(vendorSrv.URL, "stress-key"), syncer)

	// the vendor-backed request exists up front; its webhook traffic races below
	if _, err := vendorSvc.CreateRequest(ctx, seedData.vendorTxnID, seedData.providerID); err != nil {
		t.Fatalf("create vendor request: %v", err)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// creators and signers battling over the same transaction
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Requester(ctx2, nativeSvc, seedData.nativeTxnID, seedData.providerID, stop)
		})
		g.Go(func() error {
			return actors.PartySigner(ctx2, nativeSvc, seedData.nativeTxnID, seedData.providerID, stop)
		})
		g.Go(func() error {
			return actors.PartySigner(ctx2, nativeSvc, seedData.nativeTxnID, seedData.customerID, stop)
		})
	}

	g.Go(func() error {
		return actors.StatusReader(ctx2, nativeSvc, seedData.nativeTxnID, seedData.customerID, stop)
	})
	g.Go(func() error {
		return actors.StatusReader(ctx2, vendorSvc, seedData.vendorTxnID, seedData.providerID, stop)
	})
	g.Go(func() error {
		return actors.WebhookReplayer(ctx2, vendorSvc, "vnd-stress-1", stop)
	})
	g.Go(func() error { return actors.OutboxDrainer(ctx2, worker, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	providerID  string
	customerID  string
	listingID   string
	nativeTxnID string
	vendorTxnID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1,'Stress Provider','x','provider') RETURNING id`,
		fmt.Sprintf("p%d@example.com", rand.Int63())).Scan(&s.providerID); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1,'Stress Customer','x','customer') RETURNING id`,
		fmt.Sprintf("c%d@example.com", rand.Int63())).Scan(&s.customerID); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO listings (owner_user_id, title) VALUES ($1,'Stress Listing') RETURNING id`, s.providerID).Scan(&s.listingID); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO nda_documents (listing_id, uploaded_by, nda_text) VALUES ($1,$2,'Keep everything here confidential.')`, s.listingID, s.providerID); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO transactions (listing_id, provider_user_id, customer_user_id) VALUES ($1,$2,$3) RETURNING id`,
		s.listingID, s.providerID, s.customerID).Scan(&s.nativeTxnID); err != nil {
		t.Fatalf("seed native transaction: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO transactions (listing_id, provider_user_id, customer_user_id) VALUES ($1,$2,$3) RETURNING id`,
		s.listingID, s.providerID, s.customerID).Scan(&s.vendorTxnID); err != nil {
		t.Fatalf("seed vendor transaction: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"signature_requests", `SELECT id, transaction_id, status, completed_at, vendor_request_id FROM signature_requests ORDER BY created_at DESC LIMIT 50`},
		{"signers", `SELECT id, request_id, role, status, signed_at FROM signers ORDER BY id DESC LIMIT 50`},
		{"sync_outbox", `SELECT id, transaction_id, status, attempts, created_at FROM sync_outbox ORDER BY created_at DESC LIMIT 50`},
		{"idempotency", `SELECT key, created_at FROM idempotency ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
