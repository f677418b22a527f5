package cryptoutils

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"time"
)

// NewCACertificate self-signs a CA certificate for key. usage is added to
// certSign and CRLSign; pass KeyUsageDigitalSignature|KeyUsageKeyEncipherment
// for a multipurpose SCEP CA, or KeyUsageDigitalSignature alone for a
// signature-only one.
func NewCACertificate(key crypto.Signer, subject pkix.Name, validity time.Duration, usage x509.KeyUsage) (*x509.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              usage | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// IssueCertificate signs template for pub with the CA identity. The serial
// number and validity start are filled in when unset.
func IssueCertificate(ca *KeyMaterial, template *x509.Certificate, pub crypto.PublicKey) (*x509.Certificate, error) {
	if err := ca.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CA identity: %w", err)
	}
	if template.NotAfter.IsZero() {
		return nil, errors.New("certificate template has no expiry")
	}
	tmpl := *template
	if tmpl.SerialNumber == nil {
		serial, err := randomSerial()
		if err != nil {
			return nil, err
		}
		tmpl.SerialNumber = serial
	}
	if tmpl.NotBefore.IsZero() {
		tmpl.NotBefore = time.Now()
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, ca.Certificate, pub, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}
