package cryptoutils

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"sync"

	"github.com/smallstep/pkcs7"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PasswordKeyIterations is the PBKDF2 work factor for password-mode
	// content keys.
	PasswordKeyIterations = 10000
	passwordKeyLen        = 16
)

// Attribute is one signed CMS attribute. Value is encoded with encoding/asn1
// rules: string becomes PrintableString or UTF8String, []byte an OCTET STRING.
type Attribute struct {
	Type  asn1.ObjectIdentifier
	Value any
}

// SignedEnvelope is a parsed and verified CMS SignedData.
type SignedEnvelope struct {
	Content []byte
	Signer  *x509.Certificate
	Certs   []*x509.Certificate

	p7 *pkcs7.PKCS7
}

// pkcs7 selects the content cipher through a package variable, so every
// encryption goes through encryptWith to keep the selection race free.
var contentAlgMu sync.Mutex

func encryptWith(alg int, fn func() ([]byte, error)) ([]byte, error) {
	contentAlgMu.Lock()
	defer contentAlgMu.Unlock()
	prev := pkcs7.ContentEncryptionAlgorithm
	pkcs7.ContentEncryptionAlgorithm = alg
	defer func() { pkcs7.ContentEncryptionAlgorithm = prev }()
	return fn()
}

// SignEnvelope wraps content in a SignedData signed by signer with SHA-256,
// carrying attrs as additional signed attributes. The signer certificate and
// extraCerts are embedded.
func SignEnvelope(content []byte, signer *KeyMaterial, attrs []Attribute, extraCerts ...*x509.Certificate) ([]byte, error) {
	if signer == nil || signer.Key == nil || signer.Certificate == nil {
		return nil, errors.New("no signing identity")
	}
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	extra := make([]pkcs7.Attribute, 0, len(attrs))
	for _, a := range attrs {
		extra = append(extra, pkcs7.Attribute{Type: a.Type, Value: a.Value})
	}
	if err := sd.AddSigner(signer.Certificate, signer.Key, pkcs7.SignerInfoConfig{ExtraSignedAttributes: extra}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	for _, cert := range extraCerts {
		sd.AddCertificate(cert)
	}
	return sd.Finish()
}

// ParseSignedEnvelope parses a SignedData and verifies its single signature
// against the embedded signer certificate. Trust in that certificate is the
// caller's decision.
func ParseSignedEnvelope(der []byte) (*SignedEnvelope, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed data: %w", err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errors.New("signed data must have exactly one signer")
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return &SignedEnvelope{Content: p7.Content, Signer: signer, Certs: p7.Certificates, p7: p7}, nil
}

// RawAttribute returns the contents octets of the signed attribute oid, or
// ok=false when it is absent.
func (e *SignedEnvelope) RawAttribute(oid asn1.ObjectIdentifier) (value []byte, ok bool) {
	var raw asn1.RawValue
	if err := e.p7.UnmarshalSignedAttribute(oid, &raw); err != nil {
		return nil, false
	}
	return raw.Bytes, true
}

// EncryptForCertificate builds an EnvelopedData for recipient with an
// AES-128-CBC content key.
func EncryptForCertificate(content []byte, recipient *x509.Certificate) ([]byte, error) {
	if !CanEncrypt(recipient) {
		return nil, errors.New("recipient certificate can't be used for encryption")
	}
	return encryptWith(pkcs7.EncryptionAlgorithmAES128CBC, func() ([]byte, error) {
		return pkcs7.Encrypt(content, []*x509.Certificate{recipient})
	})
}

// DecryptWithKey opens an EnvelopedData addressed to km.
func DecryptWithKey(der []byte, km *KeyMaterial) ([]byte, error) {
	if !km.CanDecrypt() {
		return nil, errors.New("key can't be used for decryption")
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse enveloped data: %w", err)
	}
	content, err := p7.Decrypt(km.Certificate, km.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt enveloped data: %w", err)
	}
	return content, nil
}

// PasswordKey derives the content key used in password mode. The salt is
// the transaction ID, which both peers hold.
func PasswordKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, PasswordKeyIterations, passwordKeyLen, sha256.New)
}

// EncryptWithPassword builds an EncryptedData under a key derived from
// password and salt.
func EncryptWithPassword(content, password, salt []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("no password for password-based encryption")
	}
	key := PasswordKey(password, salt)
	defer Zeroize(key)
	return encryptWith(pkcs7.EncryptionAlgorithmAES128GCM, func() ([]byte, error) {
		return pkcs7.EncryptUsingPSK(content, key)
	})
}

// DecryptWithPassword opens an EncryptedData produced by EncryptWithPassword.
func DecryptWithPassword(der, password, salt []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("no password for password-based decryption")
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse encrypted data: %w", err)
	}
	key := PasswordKey(password, salt)
	defer Zeroize(key)
	content, err := p7.DecryptUsingPSK(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt encrypted data: %w", err)
	}
	return content, nil
}
