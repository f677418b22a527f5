package scep

import (
	"bytes"
	"context"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/scep-provisioning-backend/certstore"
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/metrics"
	"github.com/ruteri/scep-provisioning-backend/query"
	"go.uber.org/atomic"
)

const (
	// MaxSideChannelRequests is the number of consecutive GetCACaps and
	// GetCACert exchanges a session answers before giving up on the client.
	MaxSideChannelRequests = 5

	MinMessageSize = 4
	MaxMessageSize = 1 << 20
)

const (
	opGetCACaps = iota + 1
	opGetCACert
	opGetCACertChain
	opPKIOperation
)

var sideChannelTable = query.NewTable(
	query.Entry{Name: OperationGetCACaps, ID: opGetCACaps},
	query.Entry{Name: OperationGetCACert, ID: opGetCACert},
	query.Entry{Name: OperationGetCACertChain, ID: opGetCACertChain},
	query.Entry{Name: OperationPKIOperation, ID: opPKIOperation},
)

// ServerConfig configures a ServerEngine. The CA identity is fetched from
// Keystore for every request, so a keystore unlocked after startup is picked
// up without a restart.
type ServerConfig struct {
	Keystore interfaces.CAKeystore
	Store    interfaces.CertStore
	Log      *slog.Logger

	// ErrorDelay bounds the random delay added before failure replies.
	ErrorDelay time.Duration
}

// ServerEngine answers SCEP requests. It is safe for concurrent use; the
// per-client state lives in a ServerSession.
type ServerEngine struct {
	cfg ServerConfig
	log *slog.Logger
}

func NewServerEngine(cfg ServerConfig) (*ServerEngine, error) {
	if cfg.Keystore == nil {
		return nil, errors.New("CA keystore is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("certificate store is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &ServerEngine{cfg: cfg, log: log}, nil
}

// ServerSession is the server side of one client connection.
type ServerSession struct {
	engine      *ServerEngine
	sideChannel atomic.Int32
}

func (e *ServerEngine) NewSession() *ServerSession {
	return &ServerSession{engine: e}
}

// Handle answers a single exchange.
func (s *ServerSession) Handle(ctx context.Context, req *interfaces.TransportRequest) *interfaces.TransportResponse {
	resp, _, _ := s.handle(ctx, req)
	return resp
}

// Serve reads and answers exchanges until the core PKIOperation exchange
// completes. A client that disconnects after only using the side channel
// ends the session without error.
func (s *ServerSession) Serve(ctx context.Context, conn interfaces.ServerConn) error {
	for {
		req, err := conn.Receive(ctx)
		if err != nil {
			if s.sideChannel.Load() > 0 {
				return nil
			}
			return interfaces.WrapError(interfaces.KindRead, err, "Couldn't read SCEP request")
		}

		resp, done, herr := s.handle(ctx, req)
		if err := conn.Send(ctx, resp); err != nil {
			return err
		}
		if interfaces.KindOf(herr) == interfaces.KindDuplicate {
			return herr
		}
		if done {
			return nil
		}
	}
}

// handle returns the reply, whether the exchange was the core one, and the
// error that ended a side-channel exchange.
func (s *ServerSession) handle(ctx context.Context, req *interfaces.TransportRequest) (*interfaces.TransportResponse, bool, error) {
	e := s.engine
	if req.Method == http.MethodPost {
		s.sideChannel.Store(0)
		metrics.IncSCEPRequest(OperationPKIOperation)
		return e.handlePKIOperation(ctx, req.Body), true, nil
	}

	op, value, err := resolveQuery(req.Query)
	if err == nil && op == opPKIOperation {
		s.sideChannel.Store(0)
		metrics.IncSCEPRequest(OperationPKIOperation)
		body, err := DecodePostAsGet(value)
		if err != nil {
			return e.transportError(ctx, err), true, err
		}
		return e.handlePKIOperation(ctx, body), true, nil
	}

	// Malformed GETs count against the limit too.
	if n := s.sideChannel.Inc(); n > MaxSideChannelRequests {
		err := interfaces.NewError(interfaces.KindDuplicate, "Received %d side-channel requests without a PKIOperation", n)
		e.log.Warn("Too many side-channel requests", "count", n)
		return e.transportError(ctx, err), false, err
	}
	if err != nil {
		metrics.IncSCEPRequest("invalid")
		return e.transportError(ctx, err), false, err
	}

	resp, err := e.sideChannelResponse(op)
	if err != nil {
		return e.transportError(ctx, err), false, err
	}
	return resp, false, nil
}

func resolveQuery(values url.Values) (int, []byte, error) {
	q, err := query.FromSCEP(values)
	if err != nil {
		return 0, nil, err
	}
	return sideChannelTable.Resolve(q, 2*MaxMessageSize)
}

func (e *ServerEngine) sideChannelResponse(op int) (*interfaces.TransportResponse, error) {
	switch op {
	case opGetCACaps:
		metrics.IncSCEPRequest(OperationGetCACaps)
		return &interfaces.TransportResponse{
			Status:      http.StatusOK,
			ContentType: ContentTypeText,
			Body:        BuildCapabilities(ServerCapabilities),
		}, nil
	case opGetCACert, opGetCACertChain:
		chain := e.cfg.Keystore.Chain()
		if len(chain) == 0 {
			return nil, interfaces.NewError(interfaces.KindNotInited, "No CA certificate configured")
		}
		if op == opGetCACert {
			metrics.IncSCEPRequest(OperationGetCACert)
			if len(chain) == 1 {
				return &interfaces.TransportResponse{Status: http.StatusOK, ContentType: ContentTypeCACert, Body: chain[0].Raw}, nil
			}
		} else {
			metrics.IncSCEPRequest(OperationGetCACertChain)
		}
		der, err := cryptoutils.ExportChain(chain...)
		if err != nil {
			return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't export CA certificate chain")
		}
		return &interfaces.TransportResponse{Status: http.StatusOK, ContentType: ContentTypeCACertChain, Body: der}, nil
	default:
		return nil, interfaces.NewError(interfaces.KindBadData, "Unsupported SCEP operation")
	}
}

func (e *ServerEngine) handlePKIOperation(ctx context.Context, body []byte) *interfaces.TransportResponse {
	tx := &TransactionState{}
	defer func() {
		tx.Clear()
		tx.PKIUser = nil
	}()

	ca, err := e.cfg.Keystore.SigningIdentity()
	if err != nil {
		return e.transportError(ctx, interfaces.WrapError(interfaces.KindNotInited, err, "CA key isn't available"))
	}
	tx.CASignOnly = !cryptoutils.CanEncrypt(ca.Certificate)

	resp, err := e.processRequest(ctx, tx, ca, body)
	if err != nil {
		return e.errorResponse(ctx, tx, ca, err)
	}
	return resp
}

// request is a validated and decrypted PKIOperation.
type request struct {
	messageType MessageType
	signer      *x509.Certificate
	csr         *x509.CertificateRequest
	poll        *issuerAndSubject
}

func (e *ServerEngine) processRequest(ctx context.Context, tx *TransactionState, ca *cryptoutils.KeyMaterial, body []byte) (*interfaces.TransportResponse, error) {
	env, attrs, err := e.checkEnvelope(body)
	if err != nil {
		return nil, err
	}

	// The reply can be signed from here on.
	tx.TransactionID = attrs.TransactionID
	tx.Nonce = attrs.SenderNonce
	tx.Ephemeral = &cryptoutils.KeyMaterial{Certificate: env.Signer}
	tx.ClientSignOnly = !cryptoutils.CanEncrypt(env.Signer)
	log := e.log.With("transactionID", string(tx.TransactionID), "messageType", attrs.MessageType.String())

	switch attrs.MessageType {
	case MessageTypePKCSReq, MessageTypeRenewal, MessageTypeGetCertInitial:
	default:
		return nil, interfaces.NewError(interfaces.KindInvalid, "Unsupported message type %d", int(attrs.MessageType))
	}

	keyID, err := certstore.DecodeUserID(string(tx.TransactionID))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid PKI user ID '%s'", tx.TransactionID)
	}
	user, err := e.cfg.Store.GetPKIUser(ctx, keyID)
	if err != nil {
		if interfaces.KindOf(err) == interfaces.KindNotFound {
			return nil, interfaces.WrapError(interfaces.KindNotFound, err, "Couldn't find PKI user information for %s", tx.TransactionID)
		}
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "PKI user lookup failed")
	}
	tx.PKIUser = user
	if tx.CASignOnly || tx.ClientSignOnly {
		tx.setPassword(user.IssuePassword)
	}

	req, err := e.decryptRequest(tx, ca, env, attrs.MessageType)
	if err != nil {
		return nil, err
	}
	if err := e.checkConsistency(ctx, tx, ca, req); err != nil {
		return nil, err
	}

	cert, err := e.issue(ctx, tx, ca, req)
	if errors.Is(err, interfaces.ErrRequestPending) {
		log.Info("Certificate request pending approval")
		return e.pendingResponse(tx, ca)
	}
	if err != nil {
		return nil, err
	}
	log.Info("Issued certificate", "subject", cert.Subject.String(), "serial", cert.SerialNumber.String())
	return e.successResponse(tx, ca, cert)
}

// checkEnvelope runs the checks that must pass before the request is
// trusted enough to get a signed reply.
func (e *ServerEngine) checkEnvelope(body []byte) (*cryptoutils.SignedEnvelope, *Attributes, error) {
	if len(body) < MinMessageSize {
		return nil, nil, interfaces.NewError(interfaces.KindUnderflow, "PKIOperation message too short, %d bytes", len(body))
	}
	if len(body) >= MaxMessageSize {
		return nil, nil, interfaces.NewError(interfaces.KindOverflow, "PKIOperation message too long, %d bytes", len(body))
	}
	der, err := cryptoutils.TrimEncoding(body)
	if err != nil {
		return nil, nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid PKIOperation message encoding")
	}
	if err := cryptoutils.LintSignedData(der); err != nil {
		return nil, nil, interfaces.WrapError(interfaces.KindBadData, err, "PKIOperation message isn't signed data")
	}

	env, err := cryptoutils.ParseSignedEnvelope(der)
	if err != nil {
		return nil, nil, interfaces.WrapError(interfaces.KindSignature, err, "PKIOperation signature check failed")
	}
	if !cryptoutils.CanSign(env.Signer) {
		return nil, nil, interfaces.NewError(interfaces.KindInvalid, "Request signing certificate can't be used for signing")
	}
	if cryptoutils.IsEncryptionAlgorithm(env.Signer) && !cryptoutils.CanEncrypt(env.Signer) {
		return nil, nil, interfaces.NewError(interfaces.KindInvalid, "Request signing certificate can't be used for encryption")
	}

	attrs, err := ReadAttributes(env)
	if err != nil {
		return nil, nil, err
	}
	if len(attrs.SenderNonce) == 0 {
		return nil, nil, interfaces.NewError(interfaces.KindBadData, "Missing sender nonce")
	}
	if err := ValidateNonce(attrs.SenderNonce); err != nil {
		return nil, nil, err
	}
	if err := ValidateTransactionID(attrs.TransactionID); err != nil {
		return nil, nil, err
	}
	if !certstore.IsUserID(string(attrs.TransactionID)) {
		return nil, nil, interfaces.NewError(interfaces.KindBadData, "Transaction ID '%s' isn't a PKI user ID", attrs.TransactionID)
	}
	return env, attrs, nil
}

func (e *ServerEngine) decryptRequest(tx *TransactionState, ca *cryptoutils.KeyMaterial, env *cryptoutils.SignedEnvelope, messageType MessageType) (*request, error) {
	var plaintext []byte
	var err error
	if tx.CASignOnly {
		plaintext, err = cryptoutils.DecryptWithPassword(env.Content, tx.cachedPassword, tx.TransactionID)
	} else {
		plaintext, err = cryptoutils.DecryptWithKey(env.Content, ca)
	}
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindWrongKey, err, "Couldn't decrypt request")
	}
	defer cryptoutils.Zeroize(plaintext)

	req := &request{messageType: messageType, signer: env.Signer}
	if messageType == MessageTypeGetCertInitial {
		var poll issuerAndSubject
		rest, err := asn1.Unmarshal(plaintext, &poll)
		if err != nil || len(rest) > 0 {
			return nil, interfaces.NewError(interfaces.KindBadData, "Invalid issuerAndSubject in certificate poll")
		}
		poll.Issuer.FullBytes = bytes.Clone(poll.Issuer.FullBytes)
		poll.Subject.FullBytes = bytes.Clone(poll.Subject.FullBytes)
		req.poll = &poll
		return req, nil
	}

	// The parsed request keeps slices into its input, which outlives plaintext.
	csr, err := x509.ParseCertificateRequest(bytes.Clone(plaintext))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid certification request")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, interfaces.WrapError(interfaces.KindSignature, err, "Certification request signature check failed")
	}
	req.csr = csr
	return req, nil
}

func (e *ServerEngine) checkConsistency(ctx context.Context, tx *TransactionState, ca *cryptoutils.KeyMaterial, req *request) error {
	switch req.messageType {
	case MessageTypePKCSReq:
		if !cryptoutils.PublicKeysEqual(req.csr.PublicKey, req.signer.PublicKey) {
			return interfaces.NewError(interfaces.KindSignature, "Request key doesn't match the signing certificate key")
		}
	case MessageTypeRenewal:
		if _, err := e.cfg.Store.GetCertificate(ctx, interfaces.KeyIDCertID, cryptoutils.Fingerprint(req.signer)); err != nil {
			return interfaces.WrapError(interfaces.KindNotFound, err, "Renewal signing certificate wasn't issued by this CA")
		}
	case MessageTypeGetCertInitial:
		pending, err := e.cfg.Store.GetRequest(ctx, string(tx.TransactionID))
		if err != nil {
			return interfaces.WrapError(interfaces.KindNotFound, err, "No pending request for transaction ID %s", tx.TransactionID)
		}
		if !bytes.Equal(pending.Nonce, tx.Nonce) {
			return interfaces.NewError(interfaces.KindSignature, "Certificate poll nonce doesn't match the pending request")
		}
		if !bytes.Equal(pending.SignerCert, req.signer.Raw) {
			return interfaces.NewError(interfaces.KindSignature, "Certificate poll isn't signed by the requester")
		}
		csr, err := x509.ParseCertificateRequest(pending.CSR)
		if err != nil {
			return interfaces.WrapError(interfaces.KindFailed, err, "Stored request is corrupt")
		}
		if !bytes.Equal(req.poll.Issuer.FullBytes, ca.Certificate.RawSubject) || !bytes.Equal(req.poll.Subject.FullBytes, csr.RawSubject) {
			return interfaces.NewError(interfaces.KindNotFound, "Certificate poll issuer and subject don't match the pending request")
		}
	}
	return nil
}

func (e *ServerEngine) issue(ctx context.Context, tx *TransactionState, ca *cryptoutils.KeyMaterial, req *request) (*x509.Certificate, error) {
	if req.messageType == MessageTypeGetCertInitial {
		return e.cfg.Store.IssueCertificate(ctx, ca, string(tx.TransactionID))
	}

	password, err := cryptoutils.ChallengePassword(req.csr)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid challenge password")
	}
	defer cryptoutils.Zeroize(password)
	if len(password) == 0 || subtle.ConstantTimeCompare(password, tx.PKIUser.IssuePassword) != 1 {
		return nil, interfaces.NewError(interfaces.KindWrongKey, "Password doesn't match the PKI user's issue password")
	}

	subject, dnsNames, emails, err := applyPKIUserNaming(req.csr, tx.PKIUser)
	if err != nil {
		return nil, err
	}
	record := &interfaces.CertRequest{
		TransactionID:  string(tx.TransactionID),
		Nonce:          bytes.Clone(tx.Nonce),
		CSR:            req.csr.Raw,
		SignerCert:     req.signer.Raw,
		Renewal:        req.messageType == MessageTypeRenewal,
		Subject:        subject,
		DNSNames:       dnsNames,
		EmailAddresses: emails,
		Status:         interfaces.RequestStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.cfg.Store.AddRequest(ctx, record); err != nil {
		if interfaces.KindOf(err) == interfaces.KindDuplicate {
			return nil, err
		}
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't record certification request")
	}
	return e.cfg.Store.IssueCertificate(ctx, ca, record.TransactionID)
}

// applyPKIUserNaming merges the PKI user's naming data into the request.
// Fields set on only one side are taken from that side; a field set on both
// sides to different values rejects the request.
func applyPKIUserNaming(csr *x509.CertificateRequest, user *interfaces.PKIUser) (pkix.Name, []string, []string, error) {
	subject := csr.Subject
	u := user.Subject

	merge := func(field string, dst *string, v string) error {
		if v == "" {
			return nil
		}
		if *dst != "" && *dst != v {
			return interfaces.NewError(interfaces.KindInvalid, "Request %s '%s' conflicts with PKI user value '%s'", field, *dst, v)
		}
		*dst = v
		return nil
	}
	mergeList := func(field string, dst *[]string, v []string) error {
		if len(v) == 0 {
			return nil
		}
		if len(*dst) > 0 && !equalStrings(*dst, v) {
			return interfaces.NewError(interfaces.KindInvalid, "Request %s conflicts with PKI user value", field)
		}
		*dst = v
		return nil
	}

	if err := merge("common name", &subject.CommonName, u.CommonName); err != nil {
		return pkix.Name{}, nil, nil, err
	}
	if err := merge("serial number", &subject.SerialNumber, u.SerialNumber); err != nil {
		return pkix.Name{}, nil, nil, err
	}
	for _, f := range []struct {
		name string
		dst  *[]string
		v    []string
	}{
		{"country", &subject.Country, u.Country},
		{"organization", &subject.Organization, u.Organization},
		{"organizational unit", &subject.OrganizationalUnit, u.OrganizationalUnit},
		{"locality", &subject.Locality, u.Locality},
		{"province", &subject.Province, u.Province},
	} {
		if err := mergeList(f.name, f.dst, f.v); err != nil {
			return pkix.Name{}, nil, nil, err
		}
	}
	subject.Names, subject.ExtraNames = nil, nil

	dnsNames := csr.DNSNames
	if len(user.DNSNames) > 0 {
		dnsNames = user.DNSNames
	}
	emails := csr.EmailAddresses
	if len(user.EmailAddresses) > 0 {
		emails = user.EmailAddresses
	}
	return subject, dnsNames, emails, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *ServerEngine) successResponse(tx *TransactionState, ca *cryptoutils.KeyMaterial, cert *x509.Certificate) (*interfaces.TransportResponse, error) {
	content, err := cryptoutils.ExportChain(cert)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't export issued certificate")
	}
	var enveloped []byte
	if tx.ClientSignOnly {
		enveloped, err = cryptoutils.EncryptWithPassword(content, tx.cachedPassword, tx.TransactionID)
	} else {
		enveloped, err = cryptoutils.EncryptForCertificate(content, tx.Ephemeral.Certificate)
	}
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't encrypt response")
	}
	return e.signedReply(tx, ca, enveloped, AttributeParams{MessageType: MessageTypeCertRep, Status: PKIStatusSuccess})
}

func (e *ServerEngine) pendingResponse(tx *TransactionState, ca *cryptoutils.KeyMaterial) (*interfaces.TransportResponse, error) {
	return e.signedReply(tx, ca, nil, AttributeParams{MessageType: MessageTypeCertRep, Status: PKIStatusPending})
}

func (e *ServerEngine) signedReply(tx *TransactionState, ca *cryptoutils.KeyMaterial, content []byte, params AttributeParams) (*interfaces.TransportResponse, error) {
	attrs, err := BuildAttributes(tx, params)
	if err != nil {
		return nil, err
	}
	message, err := cryptoutils.SignEnvelope(content, ca, attrs)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't sign response")
	}
	metrics.IncSCEPResponse(params.Status.String())
	return &interfaces.TransportResponse{
		Status:      http.StatusOK,
		ContentType: ContentTypePKIMessage,
		Body:        message,
	}, nil
}
