package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var sealInfo = []byte("scep-ca-key-share")

// SealForPublicKey encrypts data to an ECDSA public key (PEM, PKIX) with an
// ephemeral ECDH exchange, HKDF-SHA256 and AES-256-GCM. Used to hand each
// administrator their CA key share.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext]
func SealForPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ecdsaKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	recipient, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported curve: %w", err)
	}

	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, err
	}
	aead, err := sealingAEAD(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	out := make([]byte, 2, 2+len(ephemeralBytes)+len(nonce)+len(data)+aead.Overhead())
	binary.BigEndian.PutUint16(out, uint16(len(ephemeralBytes)))
	out = append(out, ephemeralBytes...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// OpenWithPrivateKey reverses SealForPublicKey.
func OpenWithPrivateKey(privateKeyPEM []byte, sealed []byte) ([]byte, error) {
	signer, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	ecdsaKey, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ECDSA private key")
	}
	priv, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported curve: %w", err)
	}

	if len(sealed) < 2 {
		return nil, errors.New("sealed data too short")
	}
	keyLen := int(binary.BigEndian.Uint16(sealed))
	if len(sealed) < 2+keyLen+12 {
		return nil, errors.New("sealed data has invalid format")
	}
	ephemeral, err := priv.Curve().NewPublicKey(sealed[2 : 2+keyLen])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}
	shared, err := priv.ECDH(ephemeral)
	if err != nil {
		return nil, err
	}
	aead, err := sealingAEAD(shared)
	if err != nil {
		return nil, err
	}

	rest := sealed[2+keyLen:]
	plaintext, err := aead.Open(nil, rest[:aead.NonceSize()], rest[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func sealingAEAD(shared []byte) (cipher.AEAD, error) {
	defer Zeroize(shared)
	key := make([]byte, 32)
	defer Zeroize(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, sealInfo), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

