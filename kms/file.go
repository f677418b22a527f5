package kms

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
)

// StaticKeystore serves a CA identity that is available from the start,
// loaded from PEM files or created in memory for development.
type StaticKeystore struct {
	identity *cryptoutils.KeyMaterial
	chain    []*x509.Certificate
}

// NewStaticKeystore checks that identity matches the leaf of chain. A nil
// chain means the CA certificate alone.
func NewStaticKeystore(identity *cryptoutils.KeyMaterial, chain []*x509.Certificate) (*StaticKeystore, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		chain = []*x509.Certificate{identity.Certificate}
	}
	if !cryptoutils.SameCertificate(chain[0], identity.Certificate) {
		return nil, fmt.Errorf("CA certificate is not the leaf of the chain")
	}
	return &StaticKeystore{identity: identity, chain: chain}, nil
}

// LoadFileKeystore reads a PEM private key and a PEM certificate chain, leaf
// first.
func LoadFileKeystore(keyPath, chainPath string) (*StaticKeystore, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	defer cryptoutils.Zeroize(keyPEM)

	key, err := cryptoutils.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	chainPEM, err := os.ReadFile(chainPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA chain: %w", err)
	}
	chain, err := cryptoutils.ParseCertificatesPEM(chainPEM)
	if err != nil {
		return nil, err
	}

	return NewStaticKeystore(&cryptoutils.KeyMaterial{Key: key, Certificate: chain[0]}, chain)
}

func (k *StaticKeystore) IsUnlocked() bool { return true }

func (k *StaticKeystore) SigningIdentity() (*cryptoutils.KeyMaterial, error) {
	return k.identity, nil
}

func (k *StaticKeystore) Chain() []*x509.Certificate {
	return k.chain
}
