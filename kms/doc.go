// Package kms provides the CA keystores the SCEP server signs with.
//
// Both implementations satisfy interfaces.CAKeystore:
//
//	type CAKeystore interface {
//	    IsUnlocked() bool
//	    SigningIdentity() (*cryptoutils.KeyMaterial, error)
//	    Chain() []*x509.Certificate
//	}
//
// # StaticKeystore
//
// Loads the CA key and chain from PEM files. Suitable for development and
// for deployments that protect the key file by other means.
//
// # ShamirKeystore
//
// The CA private key is split into shares with Shamir's Secret Sharing at
// generation time (see cmd/cakeygen), each share sealed to one
// administrator's public key. The server starts with only the public chain
// and answers PKIOperation requests with a NotInited error until a threshold
// of administrators has submitted their shares:
//
//   - Each submission is signed by the administrator's key
//   - Every administrator can submit once per recovery round
//   - The reconstructed key must match the CA certificate, otherwise all
//     shares are discarded
//   - The key exists only in memory
//
// # Administrators
//
// AdminSet is the whitelist of administrator public keys (ECDSA or Ed25519),
// loaded from a JSON file:
//
//	{"admins": [{"id": "alice", "pubkey": "-----BEGIN PUBLIC KEY-----\n..."}]}
//
// The same set authenticates the admin HTTP API.
package kms
