// Package cryptoutils is the cryptographic collaborator of the SCEP engine.
//
// It wraps the CMS implementation (github.com/smallstep/pkcs7) and the
// standard x509 package behind byte-buffer-in, byte-buffer-out helpers:
//
//   - SignEnvelope / ParseSignedEnvelope: SignedData with extra signed
//     attributes, verified against the embedded signer
//   - EncryptForCertificate / DecryptWithKey: EnvelopedData (AES-128-CBC
//     content, RSA key transport)
//   - EncryptWithPassword / DecryptWithPassword: EncryptedData under a
//     PBKDF2-SHA256 key, used when either peer's key is signature-only
//   - ExportChain / ImportChain / ImportCertificates: degenerate PKCS#7
//     certificate bundles and single certificates
//   - CreateCSR / ChallengePassword: PKCS#10 with a challengePassword
//     attribute
//   - NewEphemeralIdentity: the one-day self-signed enrollment identity
//   - TrimEncoding / IsCertificateChain / LintSignedData: cheap ASN.1
//     checks done before any expensive parsing
//
// KeyMaterial is the explicit key+certificate pair every signing and
// decryption helper takes.
//
// SealForPublicKey / OpenWithPrivateKey protect CA key shares in transit to
// administrators (ECDH P-256, HKDF-SHA256, AES-256-GCM).
package cryptoutils
