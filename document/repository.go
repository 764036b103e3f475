package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDocument signals no NDA document is registered for the listing.
var ErrNoDocument = errors.New("document: no document for listing")

// Repository defines the data access required by the registry.
type Repository interface {
	Upsert(ctx context.Context, tx pgx.Tx, doc NdaDocument) (NdaDocument, error)
	GetByListing(ctx context.Context, listingID string) (NdaDocument, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed document repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Upsert writes the listing's document, replacing any prior one. The unique
// constraint on listing_id enforces the one-active-document invariant.
func (r *PGRepository) Upsert(ctx context.Context, tx pgx.Tx, doc NdaDocument) (NdaDocument, error) {
	const upsertSQL = `
		INSERT INTO nda_documents (listing_id, uploaded_by, document_url, document_name, nda_text, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (listing_id) DO UPDATE
		SET uploaded_by = EXCLUDED.uploaded_by,
		    uploaded_at = now(),
		    document_url = EXCLUDED.document_url,
		    document_name = EXCLUDED.document_name,
		    nda_text = EXCLUDED.nda_text,
		    status = EXCLUDED.status
		RETURNING id, listing_id, uploaded_by, uploaded_at, document_url, document_name, nda_text, status
	`

	stored, err := scanDocument(tx.QueryRow(ctx, upsertSQL,
		doc.ListingID,
		doc.UploadedBy,
		doc.DocumentURL,
		doc.DocumentName,
		doc.NdaText,
		doc.Status,
	))
	if err != nil {
		return NdaDocument{}, fmt.Errorf("document: upsert: %w", err)
	}

	return stored, nil
}

// GetByListing fetches the listing's current document.
func (r *PGRepository) GetByListing(ctx context.Context, listingID string) (NdaDocument, error) {
	const selectSQL = `
		SELECT id, listing_id, uploaded_by, uploaded_at, document_url, document_name, nda_text, status
		FROM nda_documents
		WHERE listing_id = $1
	`

	doc, err := scanDocument(r.pool.QueryRow(ctx, selectSQL, listingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NdaDocument{}, ErrNoDocument
		}
		return NdaDocument{}, fmt.Errorf("document: get by listing: %w", err)
	}

	return doc, nil
}

func scanDocument(row pgx.Row) (NdaDocument, error) {
	var doc NdaDocument
	err := row.Scan(
		&doc.ID,
		&doc.ListingID,
		&doc.UploadedBy,
		&doc.UploadedAt,
		&doc.DocumentURL,
		&doc.DocumentName,
		&doc.NdaText,
		&doc.Status,
	)
	if err != nil {
		return NdaDocument{}, err
	}
	return doc, nil
}
