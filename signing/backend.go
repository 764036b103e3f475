package signing

import "context"

// EmbeddedSigner describes one signer slot sent to a backend.
type EmbeddedSigner struct {
	Role  SignerRole
	Email string
	Name  string
}

// EmbeddedRequest is the backend-facing description of a signature request.
type EmbeddedRequest struct {
	RequestID   string
	Title       string
	DocumentURL *string
	NdaText     *string
	Signers     []EmbeddedSigner
}

// SignURL is a per-signer embedded signing URL issued by a vendor.
type SignURL struct {
	Role SignerRole
	URL  string
}

// EmbeddedResult carries the vendor's correlation id and per-signer URLs.
type EmbeddedResult struct {
	VendorRequestID string
	SignURLs        []SignURL
}

// SignatureBackend is the capability interface over the signing machinery.
// The orchestrator never branches on which variant is behind it; selection
// happens once at construction.
type SignatureBackend interface {
	CreateEmbedded(ctx context.Context, req EmbeddedRequest) (*EmbeddedResult, error)
}

// NativeBackend is the in-app variant: no external call, no sign URLs. Trust
// is established by the orchestrator's own capture of consent, IP, and user
// agent at sign time.
type NativeBackend struct{}

func (NativeBackend) CreateEmbedded(ctx context.Context, req EmbeddedRequest) (*EmbeddedResult, error) {
	return nil, nil
}
