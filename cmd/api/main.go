package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"ndaflow/db"
	"ndaflow/directory"
	"ndaflow/document"
	"ndaflow/identity"
	"ndaflow/metasync"
	"ndaflow/signing"
	"ndaflow/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	webhookSecret := os.Getenv("WEBHOOK_SECRET")

	dir := directory.NewPGDirectory(pool)
	outbox := metasync.NewOutbox(pool)
	syncer := metasync.NewSyncer(dir, outbox)

	identityService := identity.NewService(identity.NewRepository(pool), jwtSecret)
	documentService := document.NewService(pool, document.NewRepository(pool), dir)

	// The backend variant is fixed at startup: a configured vendor base URL
	// selects hosted signing, otherwise signatures are captured in-app.
	var backend signing.SignatureBackend = signing.NativeBackend{}
	if base := os.Getenv("VENDOR_BASE_URL"); base != "" {
		backend = signing.NewVendorBackend(base, os.Getenv("VENDOR_API_KEY"))
		log.Printf("signing backend: vendor hosted (%s)", base)
	} else {
		log.Printf("signing backend: native")
	}

	signingService := signing.NewService(pool, signing.NewRepository(pool), dir, documentService, backend, syncer)

	worker := metasync.NewWorker(syncer, outbox)
	go func() {
		if err := worker.Run(ctx); err != nil {
			log.Printf("metadata sync worker stopped: %v", err)
		}
	}()

	server := &Server{
		identityService: identityService,
		documentService: documentService,
		signingService:  signingService,
	}
	if webhookSecret != "" {
		server.webhookHandler = webhook.NewHandler(signingService, webhookSecret)
	} else {
		log.Printf("WEBHOOK_SECRET unset; vendor callbacks disabled")
	}

	addr := ":" + envOr("PORT", "8080")
	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
