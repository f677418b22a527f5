package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// KeyMaterial pairs a private key with the certificate that names it. Every
// signing and decryption helper in this package takes one, so a key never
// has to carry its certificate implicitly.
type KeyMaterial struct {
	Key         crypto.Signer
	Certificate *x509.Certificate
}

// Validate checks that the certificate actually belongs to the key.
func (km *KeyMaterial) Validate() error {
	if km == nil || km.Key == nil || km.Certificate == nil {
		return errors.New("key material incomplete")
	}
	if !PublicKeysEqual(km.Key.Public(), km.Certificate.PublicKey) {
		return errors.New("private key doesn't match certificate")
	}
	return nil
}

// CanDecrypt reports whether the key can be used for key transport. Only RSA
// keys can; ECDSA and Ed25519 keys are signature-only.
func (km *KeyMaterial) CanDecrypt() bool {
	if km == nil || km.Key == nil {
		return false
	}
	return KeyCanDecrypt(km.Key)
}

// KeyCanDecrypt reports whether key is an RSA private key.
func KeyCanDecrypt(key crypto.Signer) bool {
	_, ok := key.Public().(*rsa.PublicKey)
	return ok
}

// PublicKeysEqual compares two public keys of any supported algorithm.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	switch k := a.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return k.(equaler).Equal(b)
	default:
		return false
	}
}

// Fingerprint returns the SHA-1 hash of the DER certificate, the identifier
// used for certificate lookups.
func Fingerprint(cert *x509.Certificate) []byte {
	sum := sha1.Sum(cert.Raw)
	return sum[:]
}

// Zeroize overwrites b in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ParsePrivateKeyPEM accepts PKCS#8, PKCS#1 and SEC1 encoded keys.
func ParsePrivateKeyPEM(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM block")
	}
	return ParsePrivateKeyDER(block.Bytes)
}

// ParsePrivateKeyDER accepts PKCS#8, PKCS#1 and SEC1 encoded keys.
func ParsePrivateKeyDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("unsupported private key type")
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// MarshalPrivateKeyPEM encodes key as a PKCS#8 PEM block.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	defer Zeroize(der)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseCertificatesPEM parses every CERTIFICATE block in data, in order.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found in PEM data")
	}
	return certs, nil
}

// EncodeCertificatesPEM is the inverse of ParseCertificatesPEM.
func EncodeCertificatesPEM(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}
