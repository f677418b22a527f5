package scep

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// SCEP media types and query values.
const (
	ContentTypePKIMessage  = "application/x-pki-message"
	ContentTypeCACert      = "application/x-x509-ca-cert"
	ContentTypeCACertChain = "application/x-x509-ca-ra-cert-chain"
	ContentTypePKIXCert    = "application/pkix-cert"
	ContentTypeText        = "text/plain"

	OperationGetCACaps      = "GetCACaps"
	OperationGetCACert      = "GetCACert"
	OperationGetCACertChain = "GetCACertChain"
	OperationPKIOperation   = "PKIOperation"
)

// ClientConfig configures a ClientEngine. CA is optional; without it the
// engine fetches the CA certificate from the server.
type ClientConfig struct {
	Transport interfaces.ClientTransport
	CA        *CAIdentity
	// CAIdentifier is the message value of GetCACert, often ignored by servers
	CAIdentifier string
	Log          *slog.Logger
}

// ClientEngine runs client-side SCEP enrollments. It keeps no per-enrollment
// state; everything lives in the TransactionState passed to Enroll.
type ClientEngine struct {
	cfg ClientConfig
	log *slog.Logger
}

// EnrollmentRequest is what the caller wants certified. Template supplies
// the CSR subject and extensions. Existing, when set, makes this a renewal
// signed by the current certificate.
type EnrollmentRequest struct {
	Key      crypto.Signer
	Template *x509.CertificateRequest
	Password []byte
	Existing *cryptoutils.KeyMaterial
}

// EnrollmentResult is a completed enrollment.
type EnrollmentResult struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	CA          *CAIdentity
}

func NewClientEngine(cfg ClientConfig) (*ClientEngine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("client transport is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.CAIdentifier == "" {
		cfg.CAIdentifier = "ca"
	}
	return &ClientEngine{cfg: cfg, log: log}, nil
}

// Enroll runs one client transaction. A request queued on the CA returns
// interfaces.ErrPending with tx.Pending set; calling Enroll again with the
// same tx and request polls for the certificate.
func (c *ClientEngine) Enroll(ctx context.Context, tx *TransactionState, req EnrollmentRequest) (result *EnrollmentResult, err error) {
	defer tx.Clear()
	defer func() {
		if err != nil && !errors.Is(err, interfaces.ErrPending) {
			tx.setState(StateFailed)
		}
	}()

	if req.Key == nil || req.Template == nil {
		return nil, interfaces.NewError(interfaces.KindNotInited, "Enrollment needs a key and a request template")
	}
	if len(tx.TransactionID) == 0 {
		return nil, interfaces.NewError(interfaces.KindNotInited, "No transaction ID set")
	}
	if len(req.Password) > 0 {
		tx.setPassword(req.Password)
	}
	log := c.log.With("transactionID", string(tx.TransactionID))

	if !tx.GotCapabilities {
		if err := c.getCapabilities(ctx, tx, log); err != nil {
			return nil, err
		}
	}

	ca, err := c.caIdentity(ctx, tx)
	if err != nil {
		return nil, err
	}
	tx.setState(StateHaveCACert)
	if ca.SignOnly && len(tx.cachedPassword) == 0 {
		return nil, interfaces.NewError(interfaces.KindNotInited, "CA certificate is signature-only, a password is required")
	}

	signer, err := c.signingIdentity(tx, req)
	if err != nil {
		return nil, err
	}
	tx.setState(StateIdentityBuilt)

	message, err := c.buildRequest(tx, ca, signer, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.transmit(ctx, tx, message, log)
	if err != nil {
		return nil, err
	}
	tx.setState(StateRequestSent)

	return c.checkResponse(tx, ca, signer, req, resp, log)
}

func (c *ClientEngine) getCapabilities(ctx context.Context, tx *TransactionState, log *slog.Logger) error {
	resp, err := c.cfg.Transport.Exchange(ctx, &interfaces.TransportRequest{
		Method: http.MethodGet,
		Query:  url.Values{"operation": {OperationGetCACaps}, "message": {c.cfg.CAIdentifier}},
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNoData) {
			log.Warn("SCEP server closed the connection without responding to GetCACaps, this is typical of NDES servers missing hotfix KB2483564")
		} else {
			log.Debug("GetCACaps failed, continuing without server capabilities", "err", err)
		}
		return nil
	}

	tx.Peer = resp.Peer
	switch resp.Peer {
	case interfaces.PeerMicrosoft, interfaces.PeerMicrosoft2008:
		log.Info("SCEP server is NDES, sending requests as GET", "peer", resp.Peer.String())
	case interfaces.PeerMicrosoft2012:
		log.Warn("SCEP server is Windows Server 2012 NDES, which may demand RSA-OAEP key transport", "peer", resp.Peer.String())
	}

	if resp.Status != http.StatusOK {
		log.Debug("GetCACaps not supported by server", "status", resp.Status)
		return nil
	}
	caps, err := ParseCapabilities(resp.Body)
	if err != nil {
		return err
	}
	tx.Capabilities = caps
	tx.GotCapabilities = true
	tx.setState(StateCapsKnown)
	return nil
}

func (c *ClientEngine) caIdentity(ctx context.Context, tx *TransactionState) (*CAIdentity, error) {
	ca := c.cfg.CA
	if ca == nil {
		ca = tx.CA
	}
	if ca == nil {
		resp, err := c.cfg.Transport.Exchange(ctx, &interfaces.TransportRequest{
			Method: http.MethodGet,
			Query:  url.Values{"operation": {OperationGetCACert}, "message": {c.cfg.CAIdentifier}},
		})
		if err != nil {
			return nil, interfaces.WrapError(interfaces.KindRead, err, "GetCACert request failed")
		}
		if err := statusError(resp); err != nil {
			return nil, err
		}
		if ca, err = ParseCACertResponse(resp.Body); err != nil {
			return nil, err
		}
	}
	tx.CA = ca
	tx.CASignOnly = ca.SignOnly
	return ca, nil
}

// signingIdentity returns the identity the request is signed with, building
// the ephemeral one on a first attempt.
func (c *ClientEngine) signingIdentity(tx *TransactionState, req EnrollmentRequest) (*cryptoutils.KeyMaterial, error) {
	var signer *cryptoutils.KeyMaterial
	switch {
	case req.Existing != nil:
		if err := req.Existing.Validate(); err != nil {
			return nil, interfaces.WrapError(interfaces.KindInvalid, err, "Invalid renewal identity")
		}
		signer = req.Existing
	case tx.Pending:
		if tx.Ephemeral == nil {
			return nil, interfaces.NewError(interfaces.KindNotInited, "Pending transaction has no signing identity")
		}
		signer = tx.Ephemeral
	default:
		km, err := cryptoutils.NewEphemeralIdentity(req.Key, req.Template.Subject)
		if err != nil {
			return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't create ephemeral signing certificate")
		}
		tx.Ephemeral = km
		signer = km
	}

	tx.ClientSignOnly = !cryptoutils.CanEncrypt(signer.Certificate)
	if tx.ClientSignOnly && len(tx.cachedPassword) == 0 {
		return nil, interfaces.NewError(interfaces.KindNotInited, "Signature-only client key requires a password")
	}
	return signer, nil
}

type issuerAndSubject struct {
	Issuer  asn1.RawValue
	Subject asn1.RawValue
}

func (c *ClientEngine) buildRequest(tx *TransactionState, ca *CAIdentity, signer *cryptoutils.KeyMaterial, req EnrollmentRequest) ([]byte, error) {
	var payload []byte
	messageType := MessageTypePKCSReq

	if tx.Pending {
		messageType = MessageTypeGetCertInitial
		subject, err := c.requestSubject(tx, req)
		if err != nil {
			return nil, err
		}
		payload, err = asn1.Marshal(issuerAndSubject{
			Issuer:  asn1.RawValue{FullBytes: ca.Sign.RawSubject},
			Subject: asn1.RawValue{FullBytes: subject},
		})
		if err != nil {
			return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't encode issuerAndSubject")
		}
	} else {
		if req.Existing != nil {
			messageType = MessageTypeRenewal
		}
		csr, err := cryptoutils.CreateCSR(req.Key, req.Template, tx.cachedPassword)
		if err != nil {
			return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't create certification request")
		}
		tx.request = csr.Raw
		payload = csr.Raw
	}

	var enveloped []byte
	var err error
	if ca.SignOnly {
		enveloped, err = cryptoutils.EncryptWithPassword(payload, tx.cachedPassword, tx.TransactionID)
	} else {
		enveloped, err = cryptoutils.EncryptForCertificate(payload, ca.Crypt)
	}
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't encrypt request")
	}

	attrs, err := BuildAttributes(tx, AttributeParams{MessageType: messageType, Initiator: true})
	if err != nil {
		return nil, err
	}
	message, err := cryptoutils.SignEnvelope(enveloped, signer, attrs)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't sign request")
	}
	return message, nil
}

// requestSubject returns the encoded subject of the request being polled.
func (c *ClientEngine) requestSubject(tx *TransactionState, req EnrollmentRequest) ([]byte, error) {
	if tx.request != nil {
		csr, err := x509.ParseCertificateRequest(tx.request)
		if err == nil {
			return csr.RawSubject, nil
		}
	}
	csr, err := cryptoutils.CreateCSR(req.Key, req.Template, nil)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't recreate certification request")
	}
	return csr.RawSubject, nil
}

func (c *ClientEngine) usePostAsGet(tx *TransactionState) bool {
	switch tx.Peer {
	case interfaces.PeerMicrosoft, interfaces.PeerMicrosoft2008, interfaces.PeerMicrosoft2012:
		return true
	}
	return tx.Capabilities != nil && !tx.Capabilities.Has(CapPOSTPKIOperation)
}

func (c *ClientEngine) transmit(ctx context.Context, tx *TransactionState, message []byte, log *slog.Logger) (*interfaces.TransportResponse, error) {
	treq := &interfaces.TransportRequest{
		Method:      http.MethodPost,
		Query:       url.Values{"operation": {OperationPKIOperation}},
		ContentType: ContentTypePKIMessage,
		Body:        message,
	}
	if c.usePostAsGet(tx) {
		log.Debug("Sending PKIOperation as GET")
		treq = &interfaces.TransportRequest{
			Method: http.MethodGet,
			Query:  url.Values{"operation": {OperationPKIOperation}, "message": {string(EncodePostAsGet(message))}},
		}
	}

	resp, err := c.cfg.Transport.Exchange(ctx, treq)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindRead, err, "PKIOperation request failed")
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	if resp.ContentType != "" && resp.ContentType != ContentTypePKIMessage {
		log.Debug("Unexpected PKIOperation response content type", "contentType", resp.ContentType)
	}
	return resp, nil
}

func (c *ClientEngine) checkResponse(tx *TransactionState, ca *CAIdentity, signer *cryptoutils.KeyMaterial, req EnrollmentRequest, resp *interfaces.TransportResponse, log *slog.Logger) (*EnrollmentResult, error) {
	der, err := cryptoutils.TrimEncoding(resp.Body)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid response encoding")
	}
	env, err := cryptoutils.ParseSignedEnvelope(der)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindSignature, err, "Response signature check failed")
	}
	if !cryptoutils.PublicKeysEqual(env.Signer.PublicKey, ca.Sign.PublicKey) {
		return nil, interfaces.NewError(interfaces.KindSignature, "Response isn't signed by the CA")
	}

	attrs, err := ReadAttributes(env)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(attrs.TransactionID, tx.TransactionID) {
		return nil, interfaces.NewError(interfaces.KindSignature, "Returned transaction ID '%s' doesn't match sent transaction ID '%s'", attrs.TransactionID, tx.TransactionID)
	}
	if len(attrs.RecipientNonce) == 0 || !bytes.Equal(attrs.RecipientNonce, tx.Nonce) {
		return nil, interfaces.NewError(interfaces.KindSignature, "Returned nonce doesn't match sent nonce")
	}
	if attrs.MessageType != MessageTypeCertRep {
		return nil, interfaces.NewError(interfaces.KindBadData, "Unexpected response message type %d", int(attrs.MessageType))
	}
	tx.setState(StateResponseChecked)

	if !attrs.HasStatus {
		return nil, interfaces.NewError(interfaces.KindBadData, "Response has no PKI status")
	}
	switch attrs.Status {
	case PKIStatusSuccess:
	case PKIStatusPending:
		log.Info("Certificate request pending on CA")
		tx.Pending = true
		tx.setState(StatePending)
		return nil, interfaces.ErrPending
	case PKIStatusFailure:
		code := -1
		if attrs.HasFailInfo {
			code = attrs.FailInfo
		}
		return nil, ErrorForFailInfo(code)
	default:
		return nil, interfaces.NewError(interfaces.KindBadData, "Invalid PKI status %d", int(attrs.Status))
	}

	var content []byte
	if tx.ClientSignOnly {
		content, err = cryptoutils.DecryptWithPassword(env.Content, tx.cachedPassword, tx.TransactionID)
	} else {
		content, err = cryptoutils.DecryptWithKey(env.Content, signer)
	}
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindWrongKey, err, "Couldn't decrypt response")
	}
	defer cryptoutils.Zeroize(content)

	chain, err := cryptoutils.ImportChain(content)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Couldn't import issued certificate")
	}
	var issued *x509.Certificate
	for _, cert := range chain {
		if cryptoutils.PublicKeysEqual(req.Key.Public(), cert.PublicKey) {
			issued = cert
			break
		}
	}
	if issued == nil {
		return nil, interfaces.NewError(interfaces.KindInvalid, "Issued certificate doesn't match the requested key")
	}

	tx.Pending = false
	tx.setState(StateDone)
	return &EnrollmentResult{Certificate: issued, Chain: chain, CA: ca}, nil
}

// statusError turns a non-200 transport response into an error carrying the
// server's diagnostic text.
func statusError(resp *interfaces.TransportResponse) error {
	if resp.Status == http.StatusOK {
		return nil
	}
	kind := interfaces.KindRead
	switch resp.Status {
	case http.StatusNotFound:
		kind = interfaces.KindNotFound
	case http.StatusForbidden:
		kind = interfaces.KindPermission
	}
	return interfaces.NewError(kind, "SCEP server returned HTTP %d: %s", resp.Status, bytes.TrimSpace(resp.Body))
}
