package kms

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sort"
)

var (
	ErrUnknownAdmin     = errors.New("unregistered admin")
	ErrInvalidSignature = errors.New("invalid signature")
)

// AdminSet is the whitelist of administrators allowed to submit CA key
// shares and to manage PKI users. Admins are identified by the hex SHA-256
// fingerprint of their PEM public key unless the config names them.
type AdminSet struct {
	keys map[string]adminKey
}

type adminKey struct {
	pem []byte
	pub any
}

// AdminsConfig is the JSON layout of an admin key file.
type AdminsConfig struct {
	Admins []AdminMetadata `json:"admins"`
}

type AdminMetadata struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// NewAdminSet registers the given public keys under their fingerprints.
func NewAdminSet(pubKeyPEMs ...[]byte) (*AdminSet, error) {
	set := &AdminSet{keys: make(map[string]adminKey)}
	for _, p := range pubKeyPEMs {
		if err := set.Register(ComputeFingerprint(p), p); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// LoadAdminSet reads an AdminsConfig document. Entries without an ID are
// registered under their fingerprint.
func LoadAdminSet(r io.Reader) (*AdminSet, error) {
	var data AdminsConfig
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	set := &AdminSet{keys: make(map[string]adminKey)}
	for _, admin := range data.Admins {
		id := admin.ID
		if id == "" {
			id = ComputeFingerprint([]byte(admin.PubKey))
		}
		if err := set.Register(id, []byte(admin.PubKey)); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Register adds an ECDSA or Ed25519 public key under id.
func (s *AdminSet) Register(id string, publicKeyPEM []byte) error {
	pub, err := parseAdminKey(publicKeyPEM)
	if err != nil {
		return fmt.Errorf("invalid public key for admin %s: %w", id, err)
	}
	if _, exists := s.keys[id]; exists {
		return fmt.Errorf("duplicate admin %s", id)
	}
	s.keys[id] = adminKey{pem: publicKeyPEM, pub: pub}
	return nil
}

func parseAdminKey(publicKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	default:
		return nil, errors.New("admin public key is neither ECDSA nor ED25519 key")
	}
}

// Len returns the number of registered admins.
func (s *AdminSet) Len() int {
	return len(s.keys)
}

// IDs returns the registered admin IDs in sorted order.
func (s *AdminSet) IDs() []string {
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PublicKeyPEM returns the key registered under id.
func (s *AdminSet) PublicKeyPEM(id string) ([]byte, bool) {
	k, ok := s.keys[id]
	return k.pem, ok
}

// Verify checks signature over message for admin id. ECDSA signatures are
// ASN.1 over the SHA-256 of message, Ed25519 signatures are over message.
func (s *AdminSet) Verify(id string, message, signature []byte) error {
	k, ok := s.keys[id]
	if !ok {
		return ErrUnknownAdmin
	}
	switch pub := k.pub.(type) {
	case *ecdsa.PublicKey:
		hash := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(pub, hash[:], signature) {
			return ErrInvalidSignature
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, message, signature) {
			return ErrInvalidSignature
		}
	default:
		return ErrInvalidSignature
	}
	return nil
}

// SignAdminMessage produces the signature Verify expects from an ECDSA admin.
func SignAdminMessage(privateKey *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
}

// GenerateAdminKeyPair creates a P-256 admin key, returned as private and
// public PEM.
func GenerateAdminKeyPair() (privateKeyPEM, publicKeyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	publicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})

	return privateKeyPEM, publicKeyPEM, nil
}

// ParseAdminPrivateKey parses an ECDSA admin key in SEC1 or PKCS#8 PEM.
func ParseAdminPrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ECDSA private key")
	}
	return ecKey, nil
}

// ComputeFingerprint is the hex SHA-256 of the PEM public key.
func ComputeFingerprint(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}
