package scep

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/stretchr/testify/require"
)

// RSA key generation dominates test time; reuse a small pool.
var testRSAKeys = map[int]*rsa.PrivateKey{}

func rsaKey(t *testing.T, slot int) *rsa.PrivateKey {
	t.Helper()
	if key, ok := testRSAKeys[slot]; ok {
		return key
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	testRSAKeys[slot] = key
	return key
}

func ecKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func newCA(t *testing.T, key crypto.Signer, cn string, usage x509.KeyUsage) *cryptoutils.KeyMaterial {
	t.Helper()
	cert, err := cryptoutils.NewCACertificate(key, pkix.Name{CommonName: cn}, time.Hour, usage)
	require.NoError(t, err)
	return &cryptoutils.KeyMaterial{Key: key, Certificate: cert}
}

// newRA issues an end-entity certificate for key from ca with usage.
func newRA(t *testing.T, ca *cryptoutils.KeyMaterial, key crypto.Signer, cn string, usage x509.KeyUsage) *x509.Certificate {
	t.Helper()
	cert, err := cryptoutils.IssueCertificate(ca, &x509.Certificate{
		Subject:               pkix.Name{CommonName: cn},
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              usage,
		BasicConstraintsValid: true,
	}, key.Public())
	require.NoError(t, err)
	return cert
}
