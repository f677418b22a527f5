package kms

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileKeystore(t *testing.T) {
	ca := newTestCA(t)
	dir := t.TempDir()

	keyPEM, err := cryptoutils.MarshalPrivateKeyPEM(ca.Key)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "ca.key")
	chainPath := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0600))
	require.NoError(t, os.WriteFile(chainPath, cryptoutils.EncodeCertificatesPEM(ca.Certificate), 0644))

	ks, err := LoadFileKeystore(keyPath, chainPath)
	require.NoError(t, err)
	assert.True(t, ks.IsUnlocked())

	identity, err := ks.SigningIdentity()
	require.NoError(t, err)
	assert.True(t, cryptoutils.SameCertificate(identity.Certificate, ca.Certificate))
	assert.Len(t, ks.Chain(), 1)
}

func TestNewStaticKeystore_Mismatch(t *testing.T) {
	ca := newTestCA(t)
	other := newTestCA(t)

	_, err := NewStaticKeystore(&cryptoutils.KeyMaterial{Key: ca.Key, Certificate: other.Certificate}, nil)
	assert.Error(t, err)

	_, err = NewStaticKeystore(ca, []*x509.Certificate{other.Certificate, ca.Certificate})
	assert.Error(t, err, "CA certificate must lead the chain")
}
