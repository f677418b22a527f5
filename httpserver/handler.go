package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/ruteri/scep-provisioning-backend/certstore"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/scep"
)

// maxBodySize bounds a PKIOperation POST body; the engine rejects anything
// at or above scep.MaxMessageSize.
const maxBodySize = scep.MaxMessageSize

type sessionKey struct{}

func withSession(ctx context.Context, s *scep.ServerSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// Handler serves the SCEP endpoint and the certificate-store query session.
type Handler struct {
	engine   *scep.ServerEngine
	keystore interfaces.CAKeystore
	store    certstore.CertificateGetter
	log      *slog.Logger
}

// NewHandler creates the request handler.
//
// Parameters:
//   - engine: SCEP server engine answering PKIOperation and side-channel requests
//   - keystore: the CA keystore the engine signs with, consulted for readiness
//   - store: certificate lookups for /certstore
//   - log: Structured logger for operational insights
func NewHandler(engine *scep.ServerEngine, keystore interfaces.CAKeystore, store certstore.CertificateGetter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		engine:   engine,
		keystore: keystore,
		store:    store,
		log:      log,
	}
}

// session returns the connection's SCEP session. Requests served without
// the server's ConnContext get a session of their own.
func (h *Handler) session(ctx context.Context) *scep.ServerSession {
	if s, ok := ctx.Value(sessionKey{}).(*scep.ServerSession); ok {
		return s
	}
	return h.engine.NewSession()
}

// HandleSCEP answers one SCEP exchange.
//
// URL format: GET|POST /scep?operation=<op>[&message=<msg>]
//
// GET carries GetCACaps, GetCACert, GetCACertChain and PKIOperation sent as
// GET; POST carries the PKIOperation message in the body.
func (h *Handler) HandleSCEP(w http.ResponseWriter, r *http.Request) {
	req := &interfaces.TransportRequest{
		Method: r.Method,
		Query:  r.URL.Query(),
	}

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		req.Body = body
		if ct := r.Header.Get("Content-Type"); ct != "" {
			if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
				req.ContentType = mediaType
			}
		}
	}

	resp := h.session(r.Context()).Handle(r.Context(), req)
	if resp.Status == http.StatusConflict {
		// The session refuses further side-channel requests; make the
		// client reconnect.
		w.Header().Set("Connection", "close")
	}
	writeResponse(w, resp)
}

// HandleCertstore answers a certificate-store query.
//
// URL format: GET /certstore?<attribute>=<value>
//
// Response: the DER certificate as application/pkix-cert, or a text/plain
// diagnostic with the status of the error kind.
func (h *Handler) HandleCertstore(w http.ResponseWriter, r *http.Request) {
	cert, err := certstore.Query(r.Context(), h.store, r.URL.Query())
	if err != nil {
		kind := interfaces.KindOf(err)
		if kind == interfaces.KindFailed {
			h.log.Error("Certificate store query failed", "err", err, "query", r.URL.RawQuery)
		} else {
			h.log.Debug("Certificate store query rejected", "err", err, "query", r.URL.RawQuery)
		}
		writeResponse(w, &interfaces.TransportResponse{
			Status:      kind.HTTPStatus(),
			ContentType: scep.ContentTypeText,
			Body:        []byte(interfaces.MessageOf(err) + "\n"),
		})
		return
	}
	writeResponse(w, &interfaces.TransportResponse{
		Status:      http.StatusOK,
		ContentType: scep.ContentTypePKIXCert,
		Body:        cert.Raw,
	})
}

func writeResponse(w http.ResponseWriter, resp *interfaces.TransportResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
