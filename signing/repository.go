package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrRequestNotFound is returned when no signature request exists for the lookup key.
	ErrRequestNotFound = errors.New("signing: signature request not found")
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit the existing key guardrail.
	ErrDuplicateIdempotencyKey = errors.New("signing: duplicate idempotency key")
	// ErrAlreadyCompleted signals a completion write raced with one that already happened.
	ErrAlreadyCompleted = errors.New("signing: request already completed")
)

// Repository defines the data access required by the orchestrator. Methods
// taking a pgx.Tx participate in the caller's transaction so signer updates
// and completion evaluation stay atomic.
type Repository interface {
	GetByTransaction(ctx context.Context, transactionID string) (SignatureRequest, error)
	GetByTransactionForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (SignatureRequest, error)
	GetByVendorRequestForUpdate(ctx context.Context, tx pgx.Tx, vendorRequestID string) (SignatureRequest, error)
	Insert(ctx context.Context, tx pgx.Tx, req SignatureRequest) error
	UpdateSigner(ctx context.Context, tx pgx.Tx, signer Signer) error
	Complete(ctx context.Context, tx pgx.Tx, requestID string, completedAt time.Time, signedDocumentURL string) error
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed signing repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, transaction_id, listing_id, title, status, created_at, completed_at,
	document_url, nda_text, signed_document_url, content_hash, vendor_request_id`

// GetByTransaction fetches the request and its signers without locking.
func (r *PGRepository) GetByTransaction(ctx context.Context, transactionID string) (SignatureRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM signature_requests WHERE transaction_id = $1`, requestColumns)
	req, err := scanRequest(r.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SignatureRequest{}, ErrRequestNotFound
		}
		return SignatureRequest{}, fmt.Errorf("signing: get request: %w", err)
	}

	req.Signers, err = r.loadSigners(ctx, r.pool, req.ID)
	if err != nil {
		return SignatureRequest{}, err
	}
	return req, nil
}

// GetByTransactionForUpdate fetches the request with a row lock so the signer
// update and completion evaluation that follow are serialized per request.
func (r *PGRepository) GetByTransactionForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (SignatureRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM signature_requests WHERE transaction_id = $1 FOR UPDATE`, requestColumns)
	return r.lockedRequest(ctx, tx, query, transactionID)
}

// GetByVendorRequestForUpdate locates a request by the vendor's correlation id.
func (r *PGRepository) GetByVendorRequestForUpdate(ctx context.Context, tx pgx.Tx, vendorRequestID string) (SignatureRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM signature_requests WHERE vendor_request_id = $1 FOR UPDATE`, requestColumns)
	return r.lockedRequest(ctx, tx, query, vendorRequestID)
}

func (r *PGRepository) lockedRequest(ctx context.Context, tx pgx.Tx, query, key string) (SignatureRequest, error) {
	req, err := scanRequest(tx.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SignatureRequest{}, ErrRequestNotFound
		}
		return SignatureRequest{}, fmt.Errorf("signing: lock request: %w", err)
	}

	req.Signers, err = r.loadSigners(ctx, tx, req.ID)
	if err != nil {
		return SignatureRequest{}, err
	}
	return req, nil
}

// Insert persists the request and both signer slots.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, req SignatureRequest) error {
	const insertRequestSQL = `
		INSERT INTO signature_requests
			(id, transaction_id, listing_id, title, status, created_at, document_url, nda_text, content_hash, vendor_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if _, err := tx.Exec(ctx, insertRequestSQL,
		req.ID,
		req.TransactionID,
		req.ListingID,
		req.Title,
		req.Status,
		req.CreatedAt,
		req.DocumentURL,
		req.NdaText,
		req.ContentHash,
		req.VendorRequestID,
	); err != nil {
		return fmt.Errorf("signing: insert request: %w", err)
	}

	const insertSignerSQL = `
		INSERT INTO signers (id, request_id, user_id, role, email, name, status, sign_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, s := range req.Signers {
		if _, err := tx.Exec(ctx, insertSignerSQL,
			s.ID, req.ID, s.UserID, s.Role, s.Email, s.Name, s.Status, s.SignURL,
		); err != nil {
			return fmt.Errorf("signing: insert signer: %w", err)
		}
	}

	return nil
}

// UpdateSigner writes the signed fields of one signer slot.
func (r *PGRepository) UpdateSigner(ctx context.Context, tx pgx.Tx, signer Signer) error {
	const updateSQL = `
		UPDATE signers
		SET status = $2,
		    signed_at = $3,
		    signature_data = $4,
		    ip_address = $5,
		    user_agent = $6
		WHERE id = $1
	`

	tag, err := tx.Exec(ctx, updateSQL,
		signer.ID,
		signer.Status,
		signer.SignedAt,
		signer.SignatureData,
		signer.IPAddress,
		signer.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("signing: update signer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signing: signer %s not found", signer.ID)
	}

	return nil
}

// Complete applies the pending -> completed transition. The status guard in
// the WHERE clause means exactly one writer observes the transition.
func (r *PGRepository) Complete(ctx context.Context, tx pgx.Tx, requestID string, completedAt time.Time, signedDocumentURL string) error {
	const updateSQL = `
		UPDATE signature_requests
		SET status = 'completed',
		    completed_at = $2,
		    signed_document_url = $3
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := tx.Exec(ctx, updateSQL, requestID, completedAt, signedDocumentURL)
	if err != nil {
		return fmt.Errorf("signing: complete request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyCompleted
	}

	return nil
}

// InsertIdempotencyKey attempts to reserve the idempotency key inside the
// active transaction.
func (r *PGRepository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("signing: empty idempotency key")
	}

	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("signing: insert idempotency key: %w", err)
	}

	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PGRepository) loadSigners(ctx context.Context, q querier, requestID string) ([]Signer, error) {
	const selectSQL = `
		SELECT id, request_id, user_id, role, email, name, status, signed_at,
		       signature_data, ip_address, user_agent, sign_url
		FROM signers
		WHERE request_id = $1
		ORDER BY CASE role WHEN 'provider' THEN 0 ELSE 1 END
	`

	rows, err := q.Query(ctx, selectSQL, requestID)
	if err != nil {
		return nil, fmt.Errorf("signing: load signers: %w", err)
	}
	defer rows.Close()

	signers := make([]Signer, 0, 2)
	for rows.Next() {
		var s Signer
		if err := rows.Scan(
			&s.ID, &s.RequestID, &s.UserID, &s.Role, &s.Email, &s.Name, &s.Status,
			&s.SignedAt, &s.SignatureData, &s.IPAddress, &s.UserAgent, &s.SignURL,
		); err != nil {
			return nil, fmt.Errorf("signing: scan signer: %w", err)
		}
		signers = append(signers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signing: iterate signers: %w", err)
	}

	return signers, nil
}

func scanRequest(row pgx.Row) (SignatureRequest, error) {
	var req SignatureRequest
	err := row.Scan(
		&req.ID,
		&req.TransactionID,
		&req.ListingID,
		&req.Title,
		&req.Status,
		&req.CreatedAt,
		&req.CompletedAt,
		&req.DocumentURL,
		&req.NdaText,
		&req.SignedDocumentURL,
		&req.ContentHash,
		&req.VendorRequestID,
	)
	if err != nil {
		return SignatureRequest{}, err
	}
	return req, nil
}
