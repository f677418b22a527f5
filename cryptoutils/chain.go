package cryptoutils

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
)

// KeyUsageFilter selects which capability a certificate is imported for.
type KeyUsageFilter int

const (
	UsageAny KeyUsageFilter = iota
	UsageSign
	UsageEncrypt
)

func (f KeyUsageFilter) matches(cert *x509.Certificate) bool {
	switch f {
	case UsageSign:
		return CanSign(cert)
	case UsageEncrypt:
		return CanEncrypt(cert)
	default:
		return true
	}
}

// ExportChain encodes certs as a degenerate (certificates-only) PKCS#7.
func ExportChain(certs ...*x509.Certificate) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	var concat bytes.Buffer
	for _, cert := range certs {
		concat.Write(cert.Raw)
	}
	return pkcs7.DegenerateCertificate(concat.Bytes())
}

// ImportChain decodes a degenerate PKCS#7 into its certificates.
func ImportChain(der []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate chain: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	return p7.Certificates, nil
}

// ImportCertificates accepts either a single DER certificate or a
// certificate chain, telling them apart by the second ASN.1 tag.
func ImportCertificates(der []byte) ([]*x509.Certificate, error) {
	isChain, err := IsCertificateChain(der)
	if err != nil {
		return nil, err
	}
	if isChain {
		return ImportChain(der)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return []*x509.Certificate{cert}, nil
}

// SelectCertificate picks the certificate of certs best suited to filter:
// end-entity (RA) certificates before CA certificates, then the first
// certificate when none matches.
func SelectCertificate(certs []*x509.Certificate, filter KeyUsageFilter) *x509.Certificate {
	if len(certs) == 0 {
		return nil
	}
	for _, cert := range certs {
		if !cert.IsCA && filter.matches(cert) {
			return cert
		}
	}
	for _, cert := range certs {
		if filter.matches(cert) {
			return cert
		}
	}
	return certs[0]
}

// SameCertificate compares two certificates by their DER encoding.
func SameCertificate(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return false
	}
	return bytes.Equal(a.Raw, b.Raw)
}
