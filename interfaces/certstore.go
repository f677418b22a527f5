package interfaces

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"time"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
)

// KeyIDType selects the index a certificate lookup goes through.
type KeyIDType int

const (
	KeyIDNone KeyIDType = iota
	// KeyIDCertID is the SHA-1 fingerprint of the certificate
	KeyIDCertID
	// KeyIDName is the subject common name, compared case-insensitively
	KeyIDName
	// KeyIDURI is an email address or URI of the subject
	KeyIDURI
	// KeyIDSubject is the SHA-1 hash of the encoded subject DN
	KeyIDSubject
	// KeyIDIssuer is the SHA-1 hash of the encoded issuer DN
	KeyIDIssuer
	// KeyIDIssuerAndSerial is the SHA-1 hash of issuerAndSerialNumber
	KeyIDIssuerAndSerial
	// KeyIDSubjectKeyID is the SHA-1 hash of the subject key identifier
	KeyIDSubjectKeyID
)

func (t KeyIDType) String() string {
	switch t {
	case KeyIDCertID:
		return "certid"
	case KeyIDName:
		return "name"
	case KeyIDURI:
		return "uri"
	case KeyIDSubject:
		return "shash"
	case KeyIDIssuer:
		return "ihash"
	case KeyIDIssuerAndSerial:
		return "iandshash"
	case KeyIDSubjectKeyID:
		return "skidhash"
	default:
		return "none"
	}
}

// PKIUser is the pre-registration record an enrolling client refers to by
// its transaction ID. It carries the issuance password and the naming data
// applied to any certificate issued under it.
type PKIUser struct {
	ID             string    `json:"id"`
	KeyID          []byte    `json:"key_id"`
	IssuePassword  []byte    `json:"issue_password"`
	Subject        pkix.Name `json:"subject"`
	DNSNames       []string  `json:"dns_names,omitempty"`
	EmailAddresses []string  `json:"email_addresses,omitempty"`
	ManualApproval bool      `json:"manual_approval,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RequestStatus tracks an enrollment request through the store.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusIssued   RequestStatus = "issued"
)

// CertRequest is an enrollment request as persisted by the store. Subject,
// DNSNames and EmailAddresses are the values after PKI-user naming has been
// applied; CSR keeps the original request.
type CertRequest struct {
	TransactionID  string        `json:"transaction_id"`
	Nonce          []byte        `json:"nonce"`
	CSR            []byte        `json:"csr"`
	SignerCert     []byte        `json:"signer_cert"`
	Renewal        bool          `json:"renewal,omitempty"`
	Subject        pkix.Name     `json:"subject"`
	DNSNames       []string      `json:"dns_names,omitempty"`
	EmailAddresses []string      `json:"email_addresses,omitempty"`
	Status         RequestStatus `json:"status"`
	CertID         string        `json:"cert_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// CertStore is the certificate and PKI-user store the SCEP server and the
// certificate-store query session consume.
type CertStore interface {
	// GetPKIUser fetches the PKI user whose key ID the transaction ID decodes to.
	GetPKIUser(ctx context.Context, keyID []byte) (*PKIUser, error)

	// GetCertificate looks a certificate up through the index for idType.
	GetCertificate(ctx context.Context, idType KeyIDType, key []byte) (*x509.Certificate, error)

	// AddRequest records an enrollment request, replacing a pending one
	// with the same transaction ID. Approved requests and, except for
	// renewals, issued ones fail with KindDuplicate.
	AddRequest(ctx context.Context, req *CertRequest) error

	// GetRequest returns the request recorded under transactionID.
	GetRequest(ctx context.Context, transactionID string) (*CertRequest, error)

	// IssueCertificate converts the recorded request into a certificate
	// signed by ca. Returns ErrRequestPending while approval is outstanding.
	IssueCertificate(ctx context.Context, ca *cryptoutils.KeyMaterial, transactionID string) (*x509.Certificate, error)
}

// CAKeystore hands out the CA signing identity once it is available.
type CAKeystore interface {
	// IsUnlocked reports whether SigningIdentity can succeed.
	IsUnlocked() bool

	// SigningIdentity returns the CA key and certificate.
	SigningIdentity() (*cryptoutils.KeyMaterial, error)

	// Chain returns the CA certificate chain, leaf first.
	Chain() []*x509.Certificate
}
