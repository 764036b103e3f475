package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrVendor signals the vendor-hosted provider rejected or failed the call
// after the retry budget was spent.
var ErrVendor = errors.New("signing: vendor provider error")

const (
	vendorRequestAttempts = 3
	vendorRequestTimeout  = 10 * time.Second
	vendorRetryBase       = 200 * time.Millisecond
)

// VendorBackend requests embedded per-signer sign URLs from a vendor-hosted
// signing service. It is only constructed when credentials are configured;
// otherwise the native backend is selected instead.
type VendorBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewVendorBackend wires the vendor adapter with a bounded request timeout.
func NewVendorBackend(baseURL, apiKey string) *VendorBackend {
	return &VendorBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: vendorRequestTimeout},
	}
}

type vendorSigner struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

type vendorCreateRequest struct {
	ReferenceID string         `json:"reference_id"`
	Title       string         `json:"title"`
	DocumentURL *string        `json:"document_url,omitempty"`
	NdaText     *string        `json:"nda_text,omitempty"`
	Signers     []vendorSigner `json:"signers"`
}

type vendorCreateResponse struct {
	RequestID string `json:"request_id"`
	SignURLs  []struct {
		Role string `json:"role"`
		URL  string `json:"url"`
	} `json:"sign_urls"`
}

// CreateEmbedded submits an ordered signer list (provider first, customer
// second) and returns the vendor correlation id plus per-signer URLs.
func (b *VendorBackend) CreateEmbedded(ctx context.Context, req EmbeddedRequest) (*EmbeddedResult, error) {
	payload := vendorCreateRequest{
		ReferenceID: req.RequestID,
		Title:       req.Title,
		DocumentURL: req.DocumentURL,
		NdaText:     req.NdaText,
	}
	for i, s := range orderSigners(req.Signers) {
		payload.Signers = append(payload.Signers, vendorSigner{
			Role:  string(s.Role),
			Email: s.Email,
			Name:  s.Name,
			Order: i + 1,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signing: encode vendor request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < vendorRequestAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(vendorRetryBase * time.Duration(attempt)):
			}
		}

		result, retryable, err := b.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrVendor, lastErr)
}

func (b *VendorBackend) post(ctx context.Context, body []byte) (*EmbeddedResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/embedded-requests", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("vendor status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, false, fmt.Errorf("vendor status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded vendorCreateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false, fmt.Errorf("decode vendor response: %w", err)
	}
	if decoded.RequestID == "" {
		return nil, false, fmt.Errorf("vendor response missing request id")
	}

	result := &EmbeddedResult{VendorRequestID: decoded.RequestID}
	for _, u := range decoded.SignURLs {
		result.SignURLs = append(result.SignURLs, SignURL{Role: SignerRole(u.Role), URL: u.URL})
	}
	return result, false, nil
}

// orderSigners places the provider slot first, matching the vendor's expected
// signing order.
func orderSigners(signers []EmbeddedSigner) []EmbeddedSigner {
	ordered := make([]EmbeddedSigner, 0, len(signers))
	for _, s := range signers {
		if s.Role == RoleProvider {
			ordered = append(ordered, s)
		}
	}
	for _, s := range signers {
		if s.Role != RoleProvider {
			ordered = append(ordered, s)
		}
	}
	return ordered
}
