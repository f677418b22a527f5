package httpserver

import (
	"bytes"
	"context"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/kms"
)

const (
	// AdminIDHeader names the admin making the request.
	AdminIDHeader = "X-Admin-ID"

	// AdminSignatureHeader carries the base64 signature of the request path
	// followed by the body, made with the admin's key.
	AdminSignatureHeader = "X-Admin-Signature"
)

// PKIUserAdmin is the part of the certificate store the admin API manages.
type PKIUserAdmin interface {
	AddPKIUser(ctx context.Context, template interfaces.PKIUser) (*interfaces.PKIUser, error)
	ApproveRequest(ctx context.Context, transactionID string) (*interfaces.CertRequest, error)
}

// AdminHandler serves the authenticated admin API: CA key recovery from
// Shamir shares, PKI-user registration and approval of held requests.
//
// Every mutating request is signed by a registered admin key over the URL
// path followed by the request body.
type AdminHandler struct {
	log      *slog.Logger
	admins   *kms.AdminSet
	keystore interfaces.CAKeystore
	shamir   *kms.ShamirKeystore // nil for a keystore that needs no recovery
	users    PKIUserAdmin

	unlockOnce sync.Once
	unlocked   chan struct{}
}

// NewAdminHandler creates the admin API. When keystore is a
// *kms.ShamirKeystore, share submission is enabled and its admin set is used
// unless admins is given.
func NewAdminHandler(log *slog.Logger, admins *kms.AdminSet, keystore interfaces.CAKeystore, users PKIUserAdmin) (*AdminHandler, error) {
	if log == nil {
		log = slog.Default()
	}
	h := &AdminHandler{
		log:      log,
		admins:   admins,
		keystore: keystore,
		users:    users,
		unlocked: make(chan struct{}),
	}
	if s, ok := keystore.(*kms.ShamirKeystore); ok {
		h.shamir = s
		if h.admins == nil {
			h.admins = s.Admins()
		}
	}
	if h.admins == nil || h.admins.Len() == 0 {
		return nil, errors.New("admin API needs at least one admin key")
	}
	if keystore.IsUnlocked() {
		h.markUnlocked()
	}
	return h, nil
}

// WaitForUnlock blocks until the CA key is available or ctx is done.
func (h *AdminHandler) WaitForUnlock(ctx context.Context) error {
	select {
	case <-h.unlocked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *AdminHandler) markUnlocked() {
	h.unlockOnce.Do(func() { close(h.unlocked) })
}

// AdminRouter returns a configured HTTP router for the admin API.
//
// The router provides endpoints for:
//   - Checking keystore status
//   - Submitting key shares during recovery
//   - Registering PKI users
//   - Approving held certificate requests
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.handleStatus)
	r.Post("/share", h.handleSubmitShare)
	r.Post("/pkiuser", h.handleAddPKIUser)
	r.Post("/requests/{transaction_id}/approve", h.handleApprove)

	return r
}

// StatusResponse is the body of GET /admin/status.
type StatusResponse struct {
	State          string   `json:"state"`
	SharesReceived int      `json:"shares_received,omitempty"`
	Threshold      int      `json:"threshold,omitempty"`
	Admins         []string `json:"admins"`
}

// handleStatus returns the keystore state. It needs no authentication.
//
// Endpoint: GET /admin/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{State: "unlocked", Admins: h.admins.IDs()}
	if !h.keystore.IsUnlocked() {
		resp.State = "locked"
		if h.shamir != nil {
			resp.SharesReceived, resp.Threshold = h.shamir.Progress()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ShareSubmission is the body of POST /admin/share. Signature is the
// admin's signature over the raw share, see kms.SignShare.
type ShareSubmission struct {
	Share     string `json:"share"`
	Signature string `json:"signature"`
}

// handleSubmitShare takes one admin's key share during recovery.
//
// Endpoint: POST /admin/share
// Body: {"share": "<base64>", "signature": "<base64>"}
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, body, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.shamir == nil {
		http.Error(w, "Keystore does not take key shares", http.StatusConflict)
		return
	}

	var submission ShareSubmission
	if err := json.Unmarshal(body, &submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}
	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	if err := h.shamir.SubmitShare(adminID, share, signature); err != nil {
		h.log.Error("Share submission failed", "err", err, "adminID", adminID)
		status := http.StatusBadRequest
		if interfaces.KindOf(err) == interfaces.KindDuplicate {
			status = http.StatusConflict
		}
		http.Error(w, "Share submission failed: "+err.Error(), status)
		return
	}

	if h.shamir.IsUnlocked() {
		h.markUnlocked()
		h.log.Info("CA key unlocked - recovery complete", "adminID", adminID)
		writeJSON(w, http.StatusOK, map[string]string{"message": "CA key unlocked"})
		return
	}

	received, threshold := h.shamir.Progress()
	h.log.Info("Share accepted", "adminID", adminID, "received", received, "threshold", threshold)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "Share accepted, waiting for more shares",
		"shares_received": received,
		"threshold":       threshold,
	})
}

// PKIUserRequest is the body of POST /admin/pkiuser.
type PKIUserRequest struct {
	CommonName         string   `json:"common_name,omitempty"`
	SerialNumber       string   `json:"serial_number,omitempty"`
	Country            []string `json:"country,omitempty"`
	Organization       []string `json:"organization,omitempty"`
	OrganizationalUnit []string `json:"organizational_unit,omitempty"`
	Locality           []string `json:"locality,omitempty"`
	Province           []string `json:"province,omitempty"`
	DNSNames           []string `json:"dns_names,omitempty"`
	EmailAddresses     []string `json:"email_addresses,omitempty"`
	ManualApproval     bool     `json:"manual_approval,omitempty"`
}

// PKIUserResponse hands the new user ID and issue password to the admin,
// who passes them to the enrolling device out of band.
type PKIUserResponse struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// handleAddPKIUser registers a PKI user.
//
// Endpoint: POST /admin/pkiuser
func (h *AdminHandler) handleAddPKIUser(w http.ResponseWriter, r *http.Request) {
	adminID, body, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req PKIUserRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.users.AddPKIUser(r.Context(), interfaces.PKIUser{
		Subject: pkix.Name{
			CommonName:         req.CommonName,
			SerialNumber:       req.SerialNumber,
			Country:            req.Country,
			Organization:       req.Organization,
			OrganizationalUnit: req.OrganizationalUnit,
			Locality:           req.Locality,
			Province:           req.Province,
		},
		DNSNames:       req.DNSNames,
		EmailAddresses: req.EmailAddresses,
		ManualApproval: req.ManualApproval,
	})
	if err != nil {
		h.log.Error("Failed to add PKI user", "err", err, "adminID", adminID)
		http.Error(w, "Failed to add PKI user", http.StatusInternalServerError)
		return
	}

	h.log.Info("PKI user added", "adminID", adminID, "userID", user.ID)
	writeJSON(w, http.StatusOK, PKIUserResponse{ID: user.ID, Password: string(user.IssuePassword)})
}

// handleApprove releases a request held for manual approval. The device
// collects the certificate on its next poll.
//
// Endpoint: POST /admin/requests/{transaction_id}/approve
func (h *AdminHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	adminID, _, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	transactionID := chi.URLParam(r, "transaction_id")
	req, err := h.users.ApproveRequest(r.Context(), transactionID)
	if err != nil {
		kind := interfaces.KindOf(err)
		h.log.Warn("Approval failed", "err", err, "adminID", adminID, "transactionID", transactionID)
		http.Error(w, interfaces.MessageOf(err), kind.HTTPStatus())
		return
	}

	h.log.Info("Request approved", "adminID", adminID, "transactionID", transactionID)
	writeJSON(w, http.StatusOK, map[string]string{
		"transaction_id": req.TransactionID,
		"status":         string(req.Status),
	})
}

// verifyAdmin authenticates the request and returns the admin ID and the
// body it read.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, []byte, bool) {
	adminID := r.Header.Get(AdminIDHeader)
	signatureStr := r.Header.Get(AdminSignatureHeader)
	if adminID == "" || signatureStr == "" {
		return "", nil, false
	}

	signature, err := base64.StdEncoding.DecodeString(signatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, nil, false
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, nil, false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := h.admins.Verify(adminID, AdminMessage(r.URL.Path, body), signature); err != nil {
		h.log.Warn("Authentication failed", "adminID", adminID, "err", err)
		return adminID, nil, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, body, true
}

// AdminMessage is what an admin signs for a request to path with body.
func AdminMessage(path string, body []byte) []byte {
	message := make([]byte, 0, len(path)+len(body))
	message = append(message, path...)
	return append(message, body...)
}
