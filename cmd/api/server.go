package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"ndaflow/directory"
	"ndaflow/document"
	"ndaflow/identity"
	"ndaflow/signing"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (string, identity.Role, error)
}

type documentService interface {
	Upload(ctx context.Context, listingID, uploaderID string, params document.UploadParams) (document.NdaDocument, error)
	Get(ctx context.Context, listingID string) (document.NdaDocument, error)
}

type signingService interface {
	CreateRequest(ctx context.Context, transactionID, requesterID string) (signing.RequestView, error)
	Sign(ctx context.Context, transactionID, signerID string, params signing.SignParams) (signing.SignResult, error)
	Status(ctx context.Context, transactionID, callerID string) (signing.StatusResult, error)
	Download(ctx context.Context, transactionID, callerID string) (signing.DownloadDescriptor, error)
}

// Server holds the HTTP edge of the service. Routing is prefix based; the
// handlers parse the remaining path segments themselves.
type Server struct {
	identityService identityService
	documentService documentService
	signingService  signingService
	webhookHandler  http.Handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/listings/", s.requireAuth(s.handleListingNda))
	mux.Handle("/api/transactions/", s.requireAuth(s.handleTransactionNda))
	if s.webhookHandler != nil {
		mux.Handle("/webhooks/signing", s.webhookHandler)
	}
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.identityService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	})
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	respond(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	respond(w, http.StatusOK, struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}{
		Token: result.Token,
		User: userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

type documentResponse struct {
	ID           string  `json:"id"`
	ListingID    string  `json:"listing_id"`
	DocumentName string  `json:"document_name"`
	DocumentURL  *string `json:"document_url,omitempty"`
	NdaText      *string `json:"nda_text,omitempty"`
	UploadedBy   string  `json:"uploaded_by,omitempty"`
	UploadedAt   string  `json:"uploaded_at,omitempty"`
}

type getDocumentResponse struct {
	HasNda      bool              `json:"has_nda"`
	NdaDocument *documentResponse `json:"nda_document"`
}

func documentToResponse(doc document.NdaDocument) documentResponse {
	resp := documentResponse{
		ID:           doc.ID,
		ListingID:    doc.ListingID,
		DocumentName: doc.DocumentName,
		DocumentURL:  doc.DocumentURL,
		NdaText:      doc.NdaText,
		UploadedBy:   doc.UploadedBy,
	}
	if !doc.UploadedAt.IsZero() {
		resp.UploadedAt = doc.UploadedAt.Format(time.RFC3339)
	}
	return resp
}

// handleListingNda serves /api/listings/{listingID}/nda.
func (s *Server) handleListingNda(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/listings/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "nda" {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	listingID := parts[0]

	switch r.Method {
	case http.MethodPost:
		s.handleUploadDocument(w, r, listingID)
	case http.MethodGet:
		s.handleGetDocument(w, r, listingID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, listingID string) {
	var body struct {
		DocumentURL  *string `json:"document_url"`
		DocumentName string  `json:"document_name"`
		NdaText      *string `json:"nda_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	doc, err := s.documentService.Upload(r.Context(), listingID, userID, document.UploadParams{
		DocumentURL:  body.DocumentURL,
		DocumentName: body.DocumentName,
		NdaText:      body.NdaText,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	respond(w, http.StatusOK, documentToResponse(doc))
}

// handleGetDocument reports absence as a successful has_nda=false payload
// rather than a 404: callers probe for an NDA before deciding to upload one.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, listingID string) {
	doc, err := s.documentService.Get(r.Context(), listingID)
	if err != nil {
		if errors.Is(err, document.ErrNoDocument) {
			respond(w, http.StatusOK, getDocumentResponse{HasNda: false})
			return
		}
		s.writeServiceError(w, err)
		return
	}

	resp := documentToResponse(doc)
	respond(w, http.StatusOK, getDocumentResponse{HasNda: true, NdaDocument: &resp})
}

// handleTransactionNda serves /api/transactions/{txnID}/nda/{action}.
func (s *Server) handleTransactionNda(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "nda" {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	transactionID, action := parts[0], parts[2]
	userID, _ := r.Context().Value(ctxKeyUserID).(string)

	switch {
	case action == "request" && r.Method == http.MethodPost:
		s.handleCreateRequest(w, r, transactionID, userID)
	case action == "sign" && r.Method == http.MethodPost:
		s.handleSign(w, r, transactionID, userID)
	case action == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, transactionID, userID)
	case action == "download" && r.Method == http.MethodGet:
		s.handleDownload(w, r, transactionID, userID)
	case action == "request" || action == "sign" || action == "status" || action == "download":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusBadRequest, "invalid path")
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, transactionID, userID string) {
	view, err := s.signingService.CreateRequest(r.Context(), transactionID, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	respond(w, http.StatusOK, view)
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request, transactionID, userID string) {
	var body struct {
		SignatureData *string `json:"signature_data"`
		AgreedToTerms bool    `json:"agreed_to_terms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.signingService.Sign(r.Context(), transactionID, userID, signing.SignParams{
		SignatureData: body.SignatureData,
		AgreedToTerms: body.AgreedToTerms,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	respond(w, http.StatusOK, struct {
		AllSigned bool                `json:"all_signed"`
		Request   signing.RequestView `json:"request"`
	}{AllSigned: result.AllSigned, Request: result.Request})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, transactionID, userID string) {
	result, err := s.signingService.Status(r.Context(), transactionID, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	respond(w, http.StatusOK, struct {
		HasRequest bool                 `json:"has_request"`
		Status     string               `json:"status"`
		Signers    []signing.SignerView `json:"signers"`
		Caller     *signing.SignerView  `json:"caller,omitempty"`
	}{
		HasRequest: result.HasRequest,
		Status:     string(result.Status),
		Signers:    result.Signers,
		Caller:     result.Caller,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, transactionID, userID string) {
	desc, err := s.signingService.Download(r.Context(), transactionID, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	respond(w, http.StatusOK, struct {
		URL         string               `json:"url"`
		Title       string               `json:"title"`
		CompletedAt string               `json:"completed_at"`
		Signers     []signing.SignerView `json:"signers"`
	}{
		URL:         desc.URL,
		Title:       desc.Title,
		CompletedAt: desc.CompletedAt.Format(time.RFC3339),
		Signers:     desc.Signers,
	})
}

// writeServiceError maps domain sentinels onto HTTP statuses. Anything
// unmapped is a 500 with the detail kept server side.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var alreadySigned *signing.AlreadySignedError
	if errors.As(err, &alreadySigned) {
		respondError(w, http.StatusBadRequest, map[string]any{
			"error":     "already signed",
			"signed_at": alreadySigned.SignedAt.Format(time.RFC3339),
		})
		return
	}

	switch {
	case errors.Is(err, identity.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, identity.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "password too weak")
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, document.ErrMissingContent),
		errors.Is(err, signing.ErrConsentRequired),
		errors.Is(err, signing.ErrNotFullySigned):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, document.ErrNotListingOwner),
		errors.Is(err, signing.ErrNotProvider),
		errors.Is(err, signing.ErrNotParty):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, document.ErrNoDocument),
		errors.Is(err, signing.ErrNoDocument),
		errors.Is(err, signing.ErrRequestNotFound),
		errors.Is(err, directory.ErrListingNotFound),
		errors.Is(err, directory.ErrTransactionNotFound),
		errors.Is(err, identity.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, signing.ErrVendor):
		writeError(w, http.StatusBadGateway, "signing provider unavailable")
	default:
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, payload map[string]any) {
	respond(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

// clientIP prefers the first X-Forwarded-For hop so signatures recorded
// behind a proxy keep the caller's address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
