package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// EphemeralValidity is the lifetime of a self-signed enrollment identity.
const EphemeralValidity = 24 * time.Hour

var oidChallengePassword = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}

// CanSign reports whether cert may be used to verify signatures. A missing
// key usage extension permits everything.
func CanSign(cert *x509.Certificate) bool {
	if cert.KeyUsage == 0 {
		return true
	}
	return cert.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageCertSign) != 0
}

// CanEncrypt reports whether content can be encrypted to cert, which needs an
// RSA key permitted for key encipherment.
func CanEncrypt(cert *x509.Certificate) bool {
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return false
	}
	if cert.KeyUsage == 0 {
		return true
	}
	return cert.KeyUsage&x509.KeyUsageKeyEncipherment != 0
}

// IsEncryptionAlgorithm reports whether cert's key belongs to an algorithm
// class that can encrypt at all.
func IsEncryptionAlgorithm(cert *x509.Certificate) bool {
	_, ok := cert.PublicKey.(*rsa.PublicKey)
	return ok
}

// NewEphemeralIdentity wraps key in a self-signed certificate valid for one
// day, naming subject. The key usage includes key encipherment only when the
// key can decrypt.
func NewEphemeralIdentity(key crypto.Signer, subject pkix.Name) (*KeyMaterial, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	usage := x509.KeyUsageDigitalSignature
	if KeyCanDecrypt(key) {
		usage |= x509.KeyUsageKeyEncipherment
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(EphemeralValidity),
		KeyUsage:              usage,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ephemeral certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{Key: key, Certificate: cert}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// RandomSerial returns a positive 128-bit certificate serial number.
func RandomSerial() (*big.Int, error) {
	return randomSerial()
}

// SignatureAlgorithmFor picks the SHA-256 based signature algorithm for key.
func SignatureAlgorithmFor(key crypto.Signer) x509.SignatureAlgorithm {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	case ed25519.PublicKey:
		return x509.PureEd25519
	default:
		return x509.UnknownSignatureAlgorithm
	}
}

type csrEnvelope struct {
	Raw                asn1.RawContent
	TBS                csrInfo
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type csrInfo struct {
	Raw           asn1.RawContent
	Version       int
	Subject       asn1.RawValue
	PublicKey     asn1.RawValue
	RawAttributes []asn1.RawValue `asn1:"tag:0"`
}

type csrAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// CreateCSR builds a PKCS#10 request for template signed by key. When
// challengePassword is non-empty it is added as a challengePassword
// attribute, which the standard library cannot emit on its own, so the
// request info is re-encoded with the attribute and signed again.
func CreateCSR(key crypto.Signer, template *x509.CertificateRequest, challengePassword []byte) (*x509.CertificateRequest, error) {
	tmpl := *template
	if tmpl.SignatureAlgorithm == x509.UnknownSignatureAlgorithm || len(challengePassword) > 0 {
		tmpl.SignatureAlgorithm = SignatureAlgorithmFor(key)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	if len(challengePassword) == 0 {
		return x509.ParseCertificateRequest(der)
	}
	if tmpl.SignatureAlgorithm == x509.PureEd25519 {
		return nil, errors.New("challenge password not supported for Ed25519 requests")
	}

	var envelope csrEnvelope
	if _, err := asn1.Unmarshal(der, &envelope); err != nil {
		return nil, fmt.Errorf("failed to re-parse CSR: %w", err)
	}

	passwordValue, err := asn1.MarshalWithParams(string(challengePassword), "utf8")
	if err != nil {
		return nil, err
	}
	attrDER, err := asn1.Marshal(csrAttribute{
		Type:   oidChallengePassword,
		Values: []asn1.RawValue{{FullBytes: passwordValue}},
	})
	Zeroize(passwordValue)
	if err != nil {
		return nil, err
	}

	info := envelope.TBS
	info.Raw = nil
	info.RawAttributes = append(info.RawAttributes, asn1.RawValue{FullBytes: attrDER})
	infoDER, err := asn1.Marshal(info)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(infoDER)
	signature, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign CSR: %w", err)
	}

	out, err := asn1.Marshal(struct {
		TBS                asn1.RawValue
		SignatureAlgorithm pkix.AlgorithmIdentifier
		SignatureValue     asn1.BitString
	}{
		TBS:                asn1.RawValue{FullBytes: infoDER},
		SignatureAlgorithm: envelope.SignatureAlgorithm,
		SignatureValue:     asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	})
	if err != nil {
		return nil, err
	}

	csr, err := x509.ParseCertificateRequest(out)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("re-signed CSR does not verify: %w", err)
	}
	return csr, nil
}

// ChallengePassword extracts the challengePassword attribute of csr. It
// returns nil, nil when the request carries none.
func ChallengePassword(csr *x509.CertificateRequest) ([]byte, error) {
	var info csrInfo
	if _, err := asn1.Unmarshal(csr.RawTBSCertificateRequest, &info); err != nil {
		return nil, fmt.Errorf("failed to parse CSR info: %w", err)
	}
	for _, raw := range info.RawAttributes {
		var attr csrAttribute
		if _, err := asn1.Unmarshal(raw.FullBytes, &attr); err != nil {
			continue
		}
		if !attr.Type.Equal(oidChallengePassword) || len(attr.Values) == 0 {
			continue
		}
		var password string
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &password); err != nil {
			return nil, fmt.Errorf("malformed challenge password: %w", err)
		}
		return []byte(password), nil
	}
	return nil, nil
}
