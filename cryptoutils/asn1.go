package cryptoutils

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	ErrBadEncoding  = errors.New("invalid ASN.1 object encoding")
	ErrNotSignedMsg = errors.New("data isn't a signed message")
)

// TrimEncoding returns the first complete ASN.1 object in data, dropping
// any trailing bytes.
func TrimEncoding(data []byte) ([]byte, error) {
	s := cryptobyte.String(data)
	var element cryptobyte.String
	var tag cryptobyte_asn1.Tag
	if !s.ReadAnyASN1Element(&element, &tag) {
		return nil, ErrBadEncoding
	}
	if tag != cryptobyte_asn1.SEQUENCE {
		return nil, ErrBadEncoding
	}
	return element, nil
}

// IsCertificateChain looks at the second tag after the outer SEQUENCE. A
// ContentInfo starts with its content-type OID, a certificate with the
// tbsCertificate SEQUENCE.
func IsCertificateChain(der []byte) (bool, error) {
	s := cryptobyte.String(der)
	var outer cryptobyte.String
	if !s.ReadASN1(&outer, cryptobyte_asn1.SEQUENCE) {
		return false, ErrBadEncoding
	}
	switch {
	case outer.PeekASN1Tag(cryptobyte_asn1.OBJECT_IDENTIFIER):
		return true, nil
	case outer.PeekASN1Tag(cryptobyte_asn1.SEQUENCE):
		return false, nil
	default:
		return false, ErrBadEncoding
	}
}

// LintSignedData checks the header of a CMS SignedData without parsing the
// rest: SEQUENCE { OID, [0] { SEQUENCE { INTEGER ...
func LintSignedData(der []byte) error {
	s := cryptobyte.String(der)
	var contentInfo, explicit, signedData cryptobyte.String
	if !s.ReadASN1(&contentInfo, cryptobyte_asn1.SEQUENCE) {
		return ErrNotSignedMsg
	}
	if !contentInfo.SkipASN1(cryptobyte_asn1.OBJECT_IDENTIFIER) {
		return ErrNotSignedMsg
	}
	if !contentInfo.ReadASN1(&explicit, cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()) {
		return ErrNotSignedMsg
	}
	if !explicit.ReadASN1(&signedData, cryptobyte_asn1.SEQUENCE) {
		return ErrNotSignedMsg
	}
	if !signedData.PeekASN1Tag(cryptobyte_asn1.INTEGER) {
		return ErrNotSignedMsg
	}
	return nil
}
