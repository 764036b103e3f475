package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ndaflow/directory"
)

var (
	// ErrMissingContent signals neither a document URL nor NDA text was supplied.
	ErrMissingContent = errors.New("document: document_url or nda_text required")
	// ErrNotListingOwner signals the uploader does not own the listing.
	ErrNotListingOwner = errors.New("document: uploader is not the listing owner")
)

// mirror write retries on metadata version races before giving up
const mirrorWriteAttempts = 3

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the document registry: it stores the NDA content for a listing
// and mirrors the reference into the listing's directory record.
type Service struct {
	pool TxBeginner
	repo Repository
	dir  directory.Directory
}

// NewService builds the registry service.
func NewService(pool TxBeginner, repo Repository, dir directory.Directory) *Service {
	return &Service{pool: pool, repo: repo, dir: dir}
}

// Upload registers (or replaces) the listing's NDA document. The local write
// and the directory mirror are sequential; a mirror failure fails the whole
// upload so no partial success is surfaced.
func (s *Service) Upload(ctx context.Context, listingID, uploaderID string, params UploadParams) (NdaDocument, error) {
	if listingID == "" || uploaderID == "" {
		return NdaDocument{}, fmt.Errorf("document: listing id and uploader id required")
	}

	hasURL := params.DocumentURL != nil && *params.DocumentURL != ""
	hasText := params.NdaText != nil && *params.NdaText != ""
	if !hasURL && !hasText {
		return NdaDocument{}, ErrMissingContent
	}

	owner, err := s.dir.ListingOwner(ctx, listingID)
	if err != nil {
		return NdaDocument{}, err
	}
	if owner != uploaderID {
		return NdaDocument{}, ErrNotListingOwner
	}

	doc := NdaDocument{
		ListingID:    listingID,
		UploadedBy:   uploaderID,
		DocumentName: sanitizeName(params.DocumentName),
		Status:       StatusActive,
	}
	if hasURL {
		doc.DocumentURL = params.DocumentURL
	}
	if hasText {
		clean := sanitizeText(*params.NdaText)
		doc.NdaText = &clean
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return NdaDocument{}, fmt.Errorf("document: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := s.repo.Upsert(ctx, tx, doc)
	if err != nil {
		return NdaDocument{}, err
	}

	if err := s.mirrorToListing(ctx, stored); err != nil {
		return NdaDocument{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return NdaDocument{}, fmt.Errorf("document: commit: %w", err)
	}

	return stored, nil
}

// Get returns the listing's document, falling back to the mirrored reference
// in the listing's directory record when the registry has no local row.
func (s *Service) Get(ctx context.Context, listingID string) (NdaDocument, error) {
	doc, err := s.repo.GetByListing(ctx, listingID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrNoDocument) {
		return NdaDocument{}, err
	}

	bag, err := s.dir.ListingMetadata(ctx, listingID)
	if err != nil {
		return NdaDocument{}, err
	}

	mirrored := NdaDocument{
		ListingID:    listingID,
		DocumentName: DefaultDocumentName,
		Status:       StatusActive,
	}
	found := false
	if url, ok := bag.Values[MirrorKeyDocumentURL].(string); ok && url != "" {
		mirrored.DocumentURL = &url
		found = true
	}
	if text, ok := bag.Values[MirrorKeyNdaText].(string); ok && text != "" {
		mirrored.NdaText = &text
		found = true
	}
	if name, ok := bag.Values[MirrorKeyDocumentName].(string); ok && name != "" {
		mirrored.DocumentName = name
	}
	if !found {
		return NdaDocument{}, ErrNoDocument
	}

	return mirrored, nil
}

func (s *Service) mirrorToListing(ctx context.Context, doc NdaDocument) error {
	for attempt := 0; attempt < mirrorWriteAttempts; attempt++ {
		bag, err := s.dir.ListingMetadata(ctx, doc.ListingID)
		if err != nil {
			return fmt.Errorf("document: read listing metadata: %w", err)
		}
		if bag.Values == nil {
			bag.Values = map[string]any{}
		}

		bag.Values[MirrorKeyDocumentName] = doc.DocumentName
		if doc.DocumentURL != nil {
			bag.Values[MirrorKeyDocumentURL] = *doc.DocumentURL
		} else {
			delete(bag.Values, MirrorKeyDocumentURL)
		}
		if doc.NdaText != nil {
			bag.Values[MirrorKeyNdaText] = *doc.NdaText
		} else {
			delete(bag.Values, MirrorKeyNdaText)
		}

		err = s.dir.PutListingMetadata(ctx, doc.ListingID, bag)
		if err == nil {
			return nil
		}
		if !errors.Is(err, directory.ErrVersionConflict) {
			return fmt.Errorf("document: mirror to listing: %w", err)
		}
	}
	return fmt.Errorf("document: mirror to listing: %w", directory.ErrVersionConflict)
}
