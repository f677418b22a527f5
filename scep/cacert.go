package scep

import (
	"crypto/x509"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// CAIdentity is the CA/RA as the client sees it. Sign and Crypt point to the
// same certificate for a multipurpose CA. A CA whose only certificate can't
// encrypt is SignOnly, and Crypt is nil: requests are then encrypted with the
// challenge password.
type CAIdentity struct {
	Sign     *x509.Certificate
	Crypt    *x509.Certificate
	Chain    []*x509.Certificate
	SignOnly bool
}

// ImportCAIdentity classifies the certificates returned by GetCACert.
func ImportCAIdentity(certs []*x509.Certificate) (*CAIdentity, error) {
	if len(certs) == 0 {
		return nil, interfaces.NewError(interfaces.KindBadData, "No CA certificate")
	}

	sign := cryptoutils.SelectCertificate(certs, cryptoutils.UsageSign)
	if !cryptoutils.CanSign(sign) {
		return nil, interfaces.NewError(interfaces.KindInvalid, "CA certificate '%s' can't be used for signing", sign.Subject.CommonName)
	}
	if cryptoutils.CanEncrypt(sign) {
		return &CAIdentity{Sign: sign, Crypt: sign, Chain: certs}, nil
	}

	crypt := cryptoutils.SelectCertificate(certs, cryptoutils.UsageEncrypt)
	if cryptoutils.SameCertificate(sign, crypt) {
		return &CAIdentity{Sign: sign, Chain: certs, SignOnly: true}, nil
	}
	if !cryptoutils.CanEncrypt(crypt) {
		return nil, interfaces.NewError(interfaces.KindInvalid, "CA certificate '%s' can't be used for encryption", crypt.Subject.CommonName)
	}
	return &CAIdentity{Sign: sign, Crypt: crypt, Chain: certs}, nil
}

// ParseCACertResponse imports a GetCACert body, either a single DER
// certificate or a degenerate PKCS#7 chain.
func ParseCACertResponse(body []byte) (*CAIdentity, error) {
	der, err := cryptoutils.TrimEncoding(body)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid CA certificate data")
	}
	certs, err := cryptoutils.ImportCertificates(der)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Couldn't import CA certificate")
	}
	return ImportCAIdentity(certs)
}
