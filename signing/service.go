package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ndaflow/directory"
	"ndaflow/document"
)

var (
	// ErrNotProvider signals the caller is not the transaction's provider.
	ErrNotProvider = errors.New("signing: only the transaction provider may request signatures")
	// ErrNotParty signals the caller is not one of the transaction's two parties.
	ErrNotParty = errors.New("signing: caller is not a party to the transaction")
	// ErrConsentRequired signals the sign call lacked agreed_to_terms.
	ErrConsentRequired = errors.New("signing: consent to terms is required")
	// ErrNoDocument signals no NDA document exists for the listing.
	ErrNoDocument = errors.New("signing: no NDA document for listing")
	// ErrNotFullySigned signals download was attempted before completion.
	ErrNotFullySigned = errors.New("signing: request is not fully signed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DocumentSource yields the listing's current NDA document.
type DocumentSource interface {
	Get(ctx context.Context, listingID string) (document.NdaDocument, error)
}

// MetadataSyncer pushes status patches into the transaction directory after
// every transition. Implementations must queue-and-retry rather than fail the
// caller once local state has committed.
type MetadataSyncer interface {
	Sync(ctx context.Context, transactionID string, patch map[string]any) error
}

// Service is the workflow orchestrator: it creates signature requests,
// records individual signatures, evaluates completion, and composes results.
type Service struct {
	pool    TxBeginner
	repo    Repository
	dir     directory.Directory
	docs    DocumentSource
	backend SignatureBackend
	syncer  MetadataSyncer
	idGen   func() string
	now     func() time.Time
}

// NewService wires the orchestrator. The backend variant is chosen by the
// caller once at construction.
func NewService(pool TxBeginner, repo Repository, dir directory.Directory, docs DocumentSource, backend SignatureBackend, syncer MetadataSyncer) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		dir:     dir,
		docs:    docs,
		backend: backend,
		syncer:  syncer,
		idGen:   func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest explicitly starts the signing protocol for a transaction.
// Only the provider may call it; calling it again while a request exists
// returns the existing request unchanged.
func (s *Service) CreateRequest(ctx context.Context, transactionID, requesterID string) (RequestView, error) {
	txn, err := s.dir.Transaction(ctx, transactionID)
	if err != nil {
		return RequestView{}, err
	}
	if txn.Provider.UserID != requesterID {
		return RequestView{}, ErrNotProvider
	}

	doc, err := s.docs.Get(ctx, txn.ListingID)
	if err != nil {
		if errors.Is(err, document.ErrNoDocument) {
			return RequestView{}, ErrNoDocument
		}
		return RequestView{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RequestView{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.repo.GetByTransactionForUpdate(ctx, tx, transactionID)
	switch {
	case err == nil:
		// Idempotent: the transaction already has its request.
		return view(existing), nil
	case errors.Is(err, ErrRequestNotFound):
		// continue with creation
	default:
		return RequestView{}, err
	}

	req, err := s.buildRequest(ctx, txn, doc)
	if err != nil {
		return RequestView{}, err
	}

	if err := s.repo.Insert(ctx, tx, req); err != nil {
		return RequestView{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RequestView{}, fmt.Errorf("signing: commit: %w", err)
	}

	s.syncAfterCommit(ctx, transactionID, map[string]any{
		MetaRequestID:   req.ID,
		MetaStatus:      string(RequestPending),
		MetaRequestedAt: req.CreatedAt.UTC().Format(time.RFC3339),
	})

	return view(req), nil
}

// Sign records one party's signature. The first sign call lazily creates the
// request if the provider never issued one; a repeated sign call by the same
// party returns AlreadySignedError carrying the original timestamp.
func (s *Service) Sign(ctx context.Context, transactionID, signerID string, params SignParams) (SignResult, error) {
	if !params.AgreedToTerms {
		return SignResult{}, ErrConsentRequired
	}

	txn, err := s.dir.Transaction(ctx, transactionID)
	if err != nil {
		return SignResult{}, err
	}
	if txn.Provider.UserID != signerID && txn.Customer.UserID != signerID {
		return SignResult{}, ErrNotParty
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SignResult{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetByTransactionForUpdate(ctx, tx, transactionID)
	switch {
	case err == nil:
	case errors.Is(err, ErrRequestNotFound):
		req, err = s.lazyCreate(ctx, tx, txn)
		if err != nil {
			return SignResult{}, err
		}
	default:
		return SignResult{}, err
	}

	signer := req.signerByUser(signerID)
	if signer == nil {
		return SignResult{}, ErrNotParty
	}
	if signer.Status == SignerSigned {
		signedAt := s.now()
		if signer.SignedAt != nil {
			signedAt = *signer.SignedAt
		}
		return SignResult{}, &AlreadySignedError{SignedAt: signedAt}
	}

	now := s.now().UTC()
	signer.Status = SignerSigned
	signer.SignedAt = &now
	data := fmt.Sprintf("Signed by %s", signer.Name)
	if params.SignatureData != nil && *params.SignatureData != "" {
		data = *params.SignatureData
	}
	signer.SignatureData = &data
	if params.IPAddress != "" {
		signer.IPAddress = &params.IPAddress
	}
	if params.UserAgent != "" {
		signer.UserAgent = &params.UserAgent
	}

	if err := s.repo.UpdateSigner(ctx, tx, *signer); err != nil {
		return SignResult{}, err
	}

	allSigned := req.allSigned()
	if allSigned {
		completedAt := now
		signedURL := signedDocumentURL(req.ID)
		if err := s.repo.Complete(ctx, tx, req.ID, completedAt, signedURL); err != nil {
			return SignResult{}, err
		}
		req.Status = RequestCompleted
		req.CompletedAt = &completedAt
		req.SignedDocumentURL = &signedURL
	}

	if err := tx.Commit(ctx); err != nil {
		return SignResult{}, fmt.Errorf("signing: commit: %w", err)
	}

	s.syncAfterCommit(ctx, transactionID, signPatch(req, *signer, allSigned))

	return SignResult{AllSigned: allSigned, Request: view(req)}, nil
}

// Status reports signing progress. When no request exists locally it falls
// back to the status flags in the transaction's metadata bag.
func (s *Service) Status(ctx context.Context, transactionID, callerID string) (StatusResult, error) {
	req, err := s.repo.GetByTransaction(ctx, transactionID)
	if err == nil {
		result := StatusResult{
			HasRequest: true,
			Status:     req.Status,
			Signers:    signerViews(req.Signers),
		}
		if signer := req.signerByUser(callerID); signer != nil {
			own := SignerView{
				Name:     signer.Name,
				Role:     signer.Role,
				Status:   string(signer.Status),
				SignedAt: signer.SignedAt,
			}
			result.Caller = &own
		}
		return result, nil
	}
	if !errors.Is(err, ErrRequestNotFound) {
		return StatusResult{}, err
	}

	bag, err := s.dir.TransactionMetadata(ctx, transactionID)
	if err != nil {
		return StatusResult{}, err
	}
	result := StatusResult{}
	if status, ok := bag.Values[MetaStatus].(string); ok && status != "" {
		result.Status = RequestStatus(status)
	}
	return result, nil
}

// Download returns the signed artifact descriptor. The request must be fully
// signed and the caller must be one of the two signers.
func (s *Service) Download(ctx context.Context, transactionID, callerID string) (DownloadDescriptor, error) {
	req, err := s.repo.GetByTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			txn, dirErr := s.dir.Transaction(ctx, transactionID)
			if dirErr == nil && txn.Provider.UserID != callerID && txn.Customer.UserID != callerID {
				return DownloadDescriptor{}, ErrNotParty
			}
		}
		return DownloadDescriptor{}, err
	}

	if req.signerByUser(callerID) == nil {
		return DownloadDescriptor{}, ErrNotParty
	}
	if req.Status != RequestCompleted || req.SignedDocumentURL == nil || req.CompletedAt == nil {
		return DownloadDescriptor{}, ErrNotFullySigned
	}

	return DownloadDescriptor{
		URL:         *req.SignedDocumentURL,
		Title:       req.Title,
		CompletedAt: *req.CompletedAt,
		Signers:     signerViews(req.Signers),
	}, nil
}

// lazyCreate builds and persists a request inside the caller's transaction.
// Either party may trigger it; a generated default text stands in when the
// listing has no uploaded document.
func (s *Service) lazyCreate(ctx context.Context, tx pgx.Tx, txn directory.Transaction) (SignatureRequest, error) {
	doc, err := s.docs.Get(ctx, txn.ListingID)
	if err != nil {
		if !errors.Is(err, document.ErrNoDocument) {
			return SignatureRequest{}, err
		}
		text := defaultNdaText(txn)
		doc = document.NdaDocument{
			ListingID:    txn.ListingID,
			DocumentName: document.DefaultDocumentName,
			NdaText:      &text,
		}
	}

	req, err := s.buildRequest(ctx, txn, doc)
	if err != nil {
		return SignatureRequest{}, err
	}
	if err := s.repo.Insert(ctx, tx, req); err != nil {
		return SignatureRequest{}, err
	}

	return req, nil
}

// buildRequest constructs a fresh pending request with both signer slots and
// the content snapshot, consulting the backend for embedded sign URLs.
func (s *Service) buildRequest(ctx context.Context, txn directory.Transaction, doc document.NdaDocument) (SignatureRequest, error) {
	now := s.now().UTC()
	req := SignatureRequest{
		ID:            s.idGen(),
		TransactionID: txn.ID,
		ListingID:     txn.ListingID,
		Title:         doc.DocumentName,
		Status:        RequestPending,
		CreatedAt:     now,
		DocumentURL:   doc.DocumentURL,
		NdaText:       doc.NdaText,
		ContentHash:   contentHash(doc),
		Signers: []Signer{
			{
				ID:     s.idGen(),
				UserID: txn.Provider.UserID,
				Role:   RoleProvider,
				Email:  txn.Provider.Email,
				Name:   txn.Provider.Name,
				Status: SignerPending,
			},
			{
				ID:     s.idGen(),
				UserID: txn.Customer.UserID,
				Role:   RoleCustomer,
				Email:  txn.Customer.Email,
				Name:   txn.Customer.Name,
				Status: SignerPending,
			},
		},
	}

	embedded, err := s.backend.CreateEmbedded(ctx, EmbeddedRequest{
		RequestID:   req.ID,
		Title:       req.Title,
		DocumentURL: req.DocumentURL,
		NdaText:     req.NdaText,
		Signers: []EmbeddedSigner{
			{Role: RoleProvider, Email: txn.Provider.Email, Name: txn.Provider.Name},
			{Role: RoleCustomer, Email: txn.Customer.Email, Name: txn.Customer.Name},
		},
	})
	if err != nil {
		return SignatureRequest{}, err
	}
	if embedded != nil {
		if embedded.VendorRequestID != "" {
			req.VendorRequestID = &embedded.VendorRequestID
		}
		for _, u := range embedded.SignURLs {
			if signer := req.signerByRole(u.Role); signer != nil {
				url := u.URL
				signer.SignURL = &url
			}
		}
	}

	return req, nil
}

// syncAfterCommit pushes the patch once local state is durable. The syncer
// queues failed patches for background retry, so a sync error never unwinds
// the committed transition.
func (s *Service) syncAfterCommit(ctx context.Context, transactionID string, patch map[string]any) {
	_ = s.syncer.Sync(ctx, transactionID, patch)
}

func signPatch(req SignatureRequest, signer Signer, completed bool) map[string]any {
	patch := map[string]any{
		MetaRequestID: req.ID,
		MetaStatus:    string(req.Status),
	}

	signedAtKey := MetaCustomerSignedAt
	if signer.Role == RoleProvider {
		signedAtKey = MetaProviderSignedAt
	}
	if signer.SignedAt != nil {
		patch[signedAtKey] = signer.SignedAt.UTC().Format(time.RFC3339)
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

func signedDocumentURL(requestID string) string {
	return "/storage/signed-ndas/" + requestID + ".pdf"
}

func contentHash(doc document.NdaDocument) string {
	h := sha256.New()
	if doc.NdaText != nil {
		h.Write([]byte(*doc.NdaText))
	} else if doc.DocumentURL != nil {
		h.Write([]byte(*doc.DocumentURL))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func defaultNdaText(txn directory.Transaction) string {
	return fmt.Sprintf(
		"NON-DISCLOSURE AGREEMENT\n\n"+
			"%s (provider) and %s (customer) agree that all confidential information "+
			"disclosed in connection with this transaction shall be held in strict "+
			"confidence, used solely to evaluate the opportunity, and not disclosed "+
			"to any third party without prior written consent.",
		txn.Provider.Name, txn.Customer.Name,
	)
}
