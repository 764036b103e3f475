package signing

import (
	"fmt"
	"time"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
)

type SignerStatus string

const (
	SignerPending SignerStatus = "pending"
	SignerSigned  SignerStatus = "signed"
)

type SignerRole string

const (
	RoleProvider SignerRole = "provider"
	RoleCustomer SignerRole = "customer"
)

// Signer is one party's slot within a signature request. It is owned
// exclusively by its request and never referenced independently.
type Signer struct {
	ID            string
	RequestID     string
	UserID        string
	Role          SignerRole
	Email         string
	Name          string
	Status        SignerStatus
	SignedAt      *time.Time
	SignatureData *string
	IPAddress     *string
	UserAgent     *string
	SignURL       *string
}

// SignatureRequest is the per-transaction unit of the signing protocol.
// DocumentURL and NdaText are snapshotted at creation and never re-read from
// the live document, so a later NDA edit cannot change what was signed.
type SignatureRequest struct {
	ID                string
	TransactionID     string
	ListingID         string
	Title             string
	Status            RequestStatus
	CreatedAt         time.Time
	CompletedAt       *time.Time
	DocumentURL       *string
	NdaText           *string
	SignedDocumentURL *string
	ContentHash       string
	VendorRequestID   *string
	Signers           []Signer
}

func (r *SignatureRequest) signerByUser(userID string) *Signer {
	for i := range r.Signers {
		if r.Signers[i].UserID == userID {
			return &r.Signers[i]
		}
	}
	return nil
}

func (r *SignatureRequest) signerByRole(role SignerRole) *Signer {
	for i := range r.Signers {
		if r.Signers[i].Role == role {
			return &r.Signers[i]
		}
	}
	return nil
}

func (r *SignatureRequest) allSigned() bool {
	for i := range r.Signers {
		if r.Signers[i].Status != SignerSigned {
			return false
		}
	}
	return len(r.Signers) > 0
}

// SignParams carries the caller-supplied fields of a sign call.
type SignParams struct {
	SignatureData *string
	AgreedToTerms bool
	IPAddress     string
	UserAgent     string
}

// SignerView is the externally visible summary of a signer slot. It never
// carries signature data, IP address, or user agent.
type SignerView struct {
	Name     string     `json:"name"`
	Role     SignerRole `json:"role"`
	Status   string     `json:"status"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

// RequestView is the public projection of a signature request.
type RequestView struct {
	ID                string        `json:"id"`
	TransactionID     string        `json:"transaction_id"`
	Title             string        `json:"title"`
	Status            RequestStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	SignedDocumentURL *string       `json:"signed_document_url,omitempty"`
	Signers           []SignerView  `json:"signers"`
}

// SignResult is returned from a successful sign call.
type SignResult struct {
	AllSigned bool
	Request   RequestView
}

// StatusResult summarises signing progress for a transaction.
type StatusResult struct {
	HasRequest bool
	Status     RequestStatus
	Signers    []SignerView
	Caller     *SignerView
}

// DownloadDescriptor references the signed artifact; bytes are served by the
// document storage layer, never by this engine.
type DownloadDescriptor struct {
	URL         string
	Title       string
	CompletedAt time.Time
	Signers     []SignerView
}

// AlreadySignedError reports a repeated sign attempt. It carries the original
// signing timestamp so callers see the prior state unchanged.
type AlreadySignedError struct {
	SignedAt time.Time
}

func (e *AlreadySignedError) Error() string {
	return fmt.Sprintf("signing: already signed at %s", e.SignedAt.Format(time.RFC3339))
}

// Metadata bag keys written by the synchronizer after every transition.
const (
	MetaRequestID         = "ndaSignatureRequestId"
	MetaStatus            = "ndaStatus"
	MetaRequestedAt       = "ndaRequestedAt"
	MetaProviderSignedAt  = "ndaProviderSignedAt"
	MetaCustomerSignedAt  = "ndaCustomerSignedAt"
	MetaFullySigned       = "ndaFullySigned"
	MetaCompletedAt       = "ndaCompletedAt"
	MetaSignedDocumentURL = "ndaSignedDocumentUrl"
)

func view(req SignatureRequest) RequestView {
	return RequestView{
		ID:                req.ID,
		TransactionID:     req.TransactionID,
		Title:             req.Title,
		Status:            req.Status,
		CreatedAt:         req.CreatedAt,
		CompletedAt:       req.CompletedAt,
		SignedDocumentURL: req.SignedDocumentURL,
		Signers:           signerViews(req.Signers),
	}
}

func signerViews(signers []Signer) []SignerView {
	views := make([]SignerView, 0, len(signers))
	for _, s := range signers {
		views = append(views, SignerView{
			Name:     s.Name,
			Role:     s.Role,
			Status:   string(s.Status),
			SignedAt: s.SignedAt,
		})
	}
	return views
}
