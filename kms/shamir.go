package kms

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// ShamirKeystore holds a CA whose private key is split with Shamir's Secret
// Sharing. The CA certificate chain is public and loaded at startup; the key
// only exists in memory once a threshold of administrators submitted their
// signed shares.
type ShamirKeystore struct {
	mu             sync.RWMutex
	identity       *cryptoutils.KeyMaterial // nil while locked
	chain          []*x509.Certificate
	threshold      int
	receivedShares map[int][]byte
	submitted      map[string]bool

	admins *AdminSet
}

// ShamirConfig contains configuration parameters for splitting and
// recovering a CA key.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the key
	Threshold int
	// Admins receive one share each and sign their submissions
	Admins *AdminSet
}

func (c ShamirConfig) validate() error {
	if c.Threshold < 2 {
		return errors.New("threshold must be at least 2")
	}
	if c.Admins == nil || c.Admins.Len() < c.Threshold {
		return errors.New("total shares must be at least equal to threshold")
	}
	return nil
}

// SplitCAKey splits the PKCS#8 encoding of key into one share per admin.
// Shares are returned in the admin order of Admins.IDs().
func SplitCAKey(key crypto.Signer, config ShamirConfig) (map[string][]byte, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CA key: %w", err)
	}
	defer cryptoutils.Zeroize(der)

	ids := config.Admins.IDs()
	shares, err := shamir.Split(der, len(ids), config.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split CA key: %w", err)
	}

	out := make(map[string][]byte, len(ids))
	for i, id := range ids {
		out[id] = shares[i]
	}
	return out, nil
}

// NewShamirKeystore creates a locked keystore for the CA whose chain is
// given, leaf first.
func NewShamirKeystore(chain []*x509.Certificate, config ShamirConfig) (*ShamirKeystore, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, errors.New("empty CA certificate chain")
	}
	return &ShamirKeystore{
		chain:          chain,
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		submitted:      make(map[string]bool),
		admins:         config.Admins,
	}, nil
}

// Admins returns the admin whitelist.
func (k *ShamirKeystore) Admins() *AdminSet {
	return k.admins
}

// SubmitShare submits a key share with cryptographic verification. The
// signature is made by the admin's key over the share (see SignShare). Once
// the threshold is reached the key is reconstructed and checked against the
// CA certificate.
func (k *ShamirKeystore) SubmitShare(adminID string, share, signature []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.identity != nil {
		return errors.New("keystore is already unlocked")
	}
	if err := k.admins.Verify(adminID, share, signature); err != nil {
		return fmt.Errorf("share rejected: %w", err)
	}
	if k.submitted[adminID] {
		return interfaces.NewError(interfaces.KindDuplicate, "admin %s already submitted a share", adminID)
	}
	if len(share) == 0 {
		return errors.New("empty share")
	}

	// The trailing byte of a vault share is its x coordinate.
	index := int(share[len(share)-1])
	if _, dup := k.receivedShares[index]; dup {
		return interfaces.NewError(interfaces.KindDuplicate, "share %d already submitted", index)
	}
	k.receivedShares[index] = append([]byte(nil), share...)
	k.submitted[adminID] = true

	return k.tryReconstruct()
}

// tryReconstruct combines the shares once the threshold is met. A key that
// does not match the CA certificate discards every share so the admins can
// start over.
func (k *ShamirKeystore) tryReconstruct() error {
	if len(k.receivedShares) < k.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(k.receivedShares))
	for _, share := range k.receivedShares {
		shares = append(shares, share)
	}
	defer k.resetShares()

	der, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct CA key: %w", err)
	}
	defer cryptoutils.Zeroize(der)

	key, err := cryptoutils.ParsePrivateKeyDER(der)
	if err != nil {
		return fmt.Errorf("reconstructed CA key is invalid: %w", err)
	}
	identity := &cryptoutils.KeyMaterial{Key: key, Certificate: k.chain[0]}
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("reconstructed CA key does not match certificate: %w", err)
	}

	k.identity = identity
	return nil
}

func (k *ShamirKeystore) resetShares() {
	for i := range k.receivedShares {
		cryptoutils.Zeroize(k.receivedShares[i])
	}
	k.receivedShares = make(map[int][]byte)
	k.submitted = make(map[string]bool)
}

// IsUnlocked returns whether the CA key has been reconstructed.
func (k *ShamirKeystore) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.identity != nil
}

// Progress reports how many shares are held out of the threshold.
func (k *ShamirKeystore) Progress() (received, threshold int) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.receivedShares), k.threshold
}

// SigningIdentity returns the CA key, or ErrKeystoreLocked.
func (k *ShamirKeystore) SigningIdentity() (*cryptoutils.KeyMaterial, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.identity == nil {
		return nil, interfaces.ErrKeystoreLocked
	}
	return k.identity, nil
}

func (k *ShamirKeystore) Chain() []*x509.Certificate {
	return k.chain
}

// SignShare is the admin side of SubmitShare.
var SignShare = SignAdminMessage

// SealedShare is one admin's share encrypted to the admin's public key, as
// handed out after SplitCAKey.
type SealedShare struct {
	AdminID   string `json:"admin_id"`
	Threshold int    `json:"threshold"`
	Share     []byte `json:"sealed_share"`
}

// SealShares encrypts each share to the key its admin is registered with.
func SealShares(shares map[string][]byte, config ShamirConfig) ([]SealedShare, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	sealed := make([]SealedShare, 0, len(shares))
	for _, id := range config.Admins.IDs() {
		share, ok := shares[id]
		if !ok {
			return nil, fmt.Errorf("no share for admin %s", id)
		}
		pub, _ := config.Admins.PublicKeyPEM(id)
		ciphertext, err := cryptoutils.SealForPublicKey(pub, share)
		if err != nil {
			return nil, fmt.Errorf("failed to seal share for admin %s: %w", id, err)
		}
		sealed = append(sealed, SealedShare{AdminID: id, Threshold: config.Threshold, Share: ciphertext})
	}
	return sealed, nil
}

// Open decrypts the share with the admin's private key.
func (s SealedShare) Open(privateKeyPEM []byte) ([]byte, error) {
	share, err := cryptoutils.OpenWithPrivateKey(privateKeyPEM, s.Share)
	if err != nil {
		return nil, fmt.Errorf("failed to open share for admin %s: %w", s.AdminID, err)
	}
	return share, nil
}
