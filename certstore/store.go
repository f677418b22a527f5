// Package certstore keeps PKI users, enrollment requests and issued
// certificates as JSON and DER records on a storage backend.
package certstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/metrics"
)

// DefaultValidity is the lifetime of an issued certificate.
const DefaultValidity = 365 * 24 * time.Hour

// Store implements interfaces.CertStore over a StorageBackend.
type Store struct {
	backend  interfaces.StorageBackend
	log      *slog.Logger
	validity time.Duration

	// mu serializes read-modify-write sequences on request records.
	mu sync.Mutex
}

// New creates a store on backend. A zero validity selects DefaultValidity.
func New(backend interfaces.StorageBackend, validity time.Duration, log *slog.Logger) *Store {
	if validity <= 0 {
		validity = DefaultValidity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{backend: backend, log: log, validity: validity}
}

// AddPKIUser registers a PKI user from template, assigning a fresh key ID
// and issue password. The returned record carries the user ID the client
// uses as its transaction ID.
func (s *Store) AddPKIUser(ctx context.Context, template interfaces.PKIUser) (*interfaces.PKIUser, error) {
	keyID := make([]byte, KeyIDLength)
	if _, err := rand.Read(keyID); err != nil {
		return nil, fmt.Errorf("failed to generate key ID: %w", err)
	}
	id, err := EncodeUserID(keyID)
	if err != nil {
		return nil, err
	}
	password, err := generatePassword()
	if err != nil {
		return nil, err
	}

	user := template
	user.ID = id
	user.KeyID = keyID
	user.IssuePassword = password
	user.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(&user)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKI user: %w", err)
	}
	if err := s.backend.Store(ctx, interfaces.PKIUserNamespace, hex.EncodeToString(keyID), data); err != nil {
		return nil, fmt.Errorf("failed to store PKI user: %w", err)
	}

	s.log.Info("Added PKI user", "userID", id, "subject", user.Subject.String())
	return &user, nil
}

// generatePassword returns a random password in the user ID alphabet and
// grouping, so it can be typed from a printout.
func generatePassword() ([]byte, error) {
	raw := make([]byte, KeyIDLength+1)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate password: %w", err)
	}
	defer cryptoutils.Zeroize(raw)
	return []byte(group(userIDEncoding.EncodeToString(raw))), nil
}

func (s *Store) GetPKIUser(ctx context.Context, keyID []byte) (*interfaces.PKIUser, error) {
	data, err := s.backend.Fetch(ctx, interfaces.PKIUserNamespace, hex.EncodeToString(keyID))
	if err != nil {
		return nil, lookupError(err, "PKI user")
	}
	var user interfaces.PKIUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode PKI user: %w", err)
	}
	return &user, nil
}

// AddRequest records an enrollment request. A pending request is replaced;
// an approved one, or an issued one for anything but a renewal, is kept and
// the new request rejected as a duplicate.
func (s *Store) AddRequest(ctx context.Context, req *interfaces.CertRequest) error {
	if err := interfaces.ValidateStorageKey(req.TransactionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetRequest(ctx, req.TransactionID)
	switch {
	case interfaces.KindOf(err) == interfaces.KindNotFound:
	case err != nil:
		return err
	case existing.Status == interfaces.RequestStatusApproved:
		return interfaces.NewError(interfaces.KindDuplicate, "Request %s is already approved", req.TransactionID)
	case existing.Status == interfaces.RequestStatusIssued && !req.Renewal:
		return interfaces.NewError(interfaces.KindDuplicate, "Request %s already has an issued certificate", req.TransactionID)
	}
	return s.putRequest(ctx, req)
}

func (s *Store) putRequest(ctx context.Context, req *interfaces.CertRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if err := s.backend.Store(ctx, interfaces.RequestNamespace, req.TransactionID, data); err != nil {
		return fmt.Errorf("failed to store request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, transactionID string) (*interfaces.CertRequest, error) {
	if err := interfaces.ValidateStorageKey(transactionID); err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid transaction ID")
	}
	data, err := s.backend.Fetch(ctx, interfaces.RequestNamespace, transactionID)
	if err != nil {
		return nil, lookupError(err, "request")
	}
	var req interfaces.CertRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// ApproveRequest releases a request held for manual approval.
func (s *Store) ApproveRequest(ctx context.Context, transactionID string) (*interfaces.CertRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.GetRequest(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if req.Status != interfaces.RequestStatusPending {
		return nil, interfaces.NewError(interfaces.KindInvalid, "Request %s is %s, not pending", transactionID, req.Status)
	}
	req.Status = interfaces.RequestStatusApproved
	if err := s.putRequest(ctx, req); err != nil {
		return nil, err
	}
	s.log.Info("Approved certificate request", "transactionID", transactionID)
	return req, nil
}

// IssueCertificate issues the certificate for a recorded request. Requests
// of manual-approval users stay pending until ApproveRequest; an already
// issued request returns its certificate.
func (s *Store) IssueCertificate(ctx context.Context, ca *cryptoutils.KeyMaterial, transactionID string) (*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.GetRequest(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case interfaces.RequestStatusIssued:
		fingerprint, err := hex.DecodeString(req.CertID)
		if err != nil {
			return nil, fmt.Errorf("corrupt certificate ID on request %s: %w", transactionID, err)
		}
		return s.GetCertificate(ctx, interfaces.KeyIDCertID, fingerprint)
	case interfaces.RequestStatusPending:
		keyID, err := DecodeUserID(transactionID)
		if err != nil {
			return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid PKI user ID '%s'", transactionID)
		}
		user, err := s.GetPKIUser(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if user.ManualApproval {
			return nil, interfaces.ErrRequestPending
		}
	}

	csr, err := x509.ParseCertificateRequest(req.CSR)
	if err != nil {
		return nil, fmt.Errorf("corrupt CSR on request %s: %w", transactionID, err)
	}

	cert, err := s.issue(ca, req, csr)
	if err != nil {
		return nil, err
	}
	if err := s.storeCertificate(ctx, cert); err != nil {
		return nil, err
	}

	req.Status = interfaces.RequestStatusIssued
	req.CertID = hex.EncodeToString(cryptoutils.Fingerprint(cert))
	if err := s.putRequest(ctx, req); err != nil {
		return nil, err
	}
	metrics.IncCertificatesIssued()
	return cert, nil
}

func (s *Store) issue(ca *cryptoutils.KeyMaterial, req *interfaces.CertRequest, csr *x509.CertificateRequest) (*x509.Certificate, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("unsupported request key: %w", err)
	}
	skid := sha1.Sum(pubDER)

	usage := x509.KeyUsageDigitalSignature
	if _, ok := csr.PublicKey.(*rsa.PublicKey); ok {
		usage |= x509.KeyUsageKeyEncipherment
	}

	now := time.Now()
	template := &x509.Certificate{
		Subject:               req.Subject,
		DNSNames:              req.DNSNames,
		EmailAddresses:        req.EmailAddresses,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(s.validity),
		KeyUsage:              usage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          skid[:],
	}
	cert, err := cryptoutils.IssueCertificate(ca, template, csr.PublicKey)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't issue certificate")
	}
	s.log.Info("Issued certificate",
		"transactionID", req.TransactionID,
		"subject", cert.Subject.String(),
		"renewal", req.Renewal)
	return cert, nil
}

func (s *Store) storeCertificate(ctx context.Context, cert *x509.Certificate) error {
	fingerprint := hex.EncodeToString(cryptoutils.Fingerprint(cert))
	if err := s.backend.Store(ctx, interfaces.CertificateNamespace, fingerprint, cert.Raw); err != nil {
		return fmt.Errorf("failed to store certificate: %w", err)
	}
	keys, err := indexKeys(cert)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.backend.Store(ctx, interfaces.IndexNamespace, key, []byte(fingerprint)); err != nil {
			return fmt.Errorf("failed to store certificate index: %w", err)
		}
	}
	return nil
}

// GetCertificate looks a certificate up by key. For KeyIDName and KeyIDURI
// key is the text of the name; for the hash types it is the SHA-1 hash.
func (s *Store) GetCertificate(ctx context.Context, idType interfaces.KeyIDType, key []byte) (*x509.Certificate, error) {
	cert, err := s.getCertificate(ctx, idType, key)
	switch {
	case err == nil:
		metrics.IncCertstoreQuery("hit")
	case interfaces.KindOf(err) == interfaces.KindNotFound:
		metrics.IncCertstoreQuery("miss")
	default:
		metrics.IncCertstoreQuery("error")
	}
	return cert, err
}

func (s *Store) getCertificate(ctx context.Context, idType interfaces.KeyIDType, key []byte) (*x509.Certificate, error) {
	if len(key) == 0 {
		return nil, interfaces.NewError(interfaces.KindBadData, "Empty certificate lookup key")
	}

	var fingerprint string
	if idType == interfaces.KeyIDCertID {
		fingerprint = hex.EncodeToString(key)
	} else {
		indexKey, err := lookupIndexKey(idType, key)
		if err != nil {
			return nil, err
		}
		data, err := s.backend.Fetch(ctx, interfaces.IndexNamespace, indexKey)
		if err != nil {
			return nil, lookupError(err, "certificate")
		}
		fingerprint = string(data)
	}
	if err := interfaces.ValidateStorageKey(fingerprint); err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid certificate ID")
	}

	der, err := s.backend.Fetch(ctx, interfaces.CertificateNamespace, fingerprint)
	if err != nil {
		return nil, lookupError(err, "certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("corrupt certificate %s: %w", fingerprint, err)
	}
	return cert, nil
}

func lookupIndexKey(idType interfaces.KeyIDType, key []byte) (string, error) {
	switch idType {
	case interfaces.KeyIDName, interfaces.KeyIDURI:
		return indexKey(idType, textHash(string(key))), nil
	case interfaces.KeyIDSubject, interfaces.KeyIDIssuer, interfaces.KeyIDIssuerAndSerial, interfaces.KeyIDSubjectKeyID:
		if len(key) != sha1.Size {
			return "", interfaces.NewError(interfaces.KindBadData, "%s lookup key must be a %d-byte hash", idType, sha1.Size)
		}
		return indexKey(idType, key), nil
	default:
		return "", interfaces.NewError(interfaces.KindNotAvailable, "Unsupported lookup type %s", idType)
	}
}

func indexKey(idType interfaces.KeyIDType, hash []byte) string {
	return idType.String() + "-" + hex.EncodeToString(hash)
}

func textHash(s string) []byte {
	sum := sha1.Sum([]byte(strings.ToLower(s)))
	return sum[:]
}

func hashOf(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

type issuerAndSerial struct {
	Issuer asn1.RawValue
	Serial *big.Int
}

// indexKeys lists every index entry that leads to cert.
func indexKeys(cert *x509.Certificate) ([]string, error) {
	ias, err := IssuerAndSerialHash(cert)
	if err != nil {
		return nil, fmt.Errorf("failed to encode issuerAndSerialNumber: %w", err)
	}
	keys := []string{
		indexKey(interfaces.KeyIDSubject, hashOf(cert.RawSubject)),
		indexKey(interfaces.KeyIDIssuer, hashOf(cert.RawIssuer)),
		indexKey(interfaces.KeyIDIssuerAndSerial, ias),
	}
	if len(cert.SubjectKeyId) > 0 {
		keys = append(keys, indexKey(interfaces.KeyIDSubjectKeyID, hashOf(cert.SubjectKeyId)))
	}
	if cert.Subject.CommonName != "" {
		keys = append(keys, indexKey(interfaces.KeyIDName, textHash(cert.Subject.CommonName)))
	}
	for _, email := range cert.EmailAddresses {
		keys = append(keys, indexKey(interfaces.KeyIDURI, textHash(email)))
	}
	for _, uri := range cert.URIs {
		keys = append(keys, indexKey(interfaces.KeyIDURI, textHash(uri.String())))
	}
	return keys, nil
}

// IssuerAndSerialHash is the KeyIDIssuerAndSerial lookup key of cert.
func IssuerAndSerialHash(cert *x509.Certificate) ([]byte, error) {
	ias, err := asn1.Marshal(issuerAndSerial{Issuer: asn1.RawValue{FullBytes: cert.RawIssuer}, Serial: cert.SerialNumber})
	if err != nil {
		return nil, err
	}
	return hashOf(ias), nil
}

// lookupError maps a backend miss to a NotFound error.
func lookupError(err error, what string) error {
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return interfaces.WrapError(interfaces.KindNotFound, err, "No such %s", what)
	}
	return fmt.Errorf("failed to fetch %s: %w", what, err)
}
