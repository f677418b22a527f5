package scep

import (
	"crypto/x509"
	"testing"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportCAIdentity(t *testing.T) {
	multi := newCA(t, rsaKey(t, 0), "Multipurpose CA", x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)
	signOnlyRSA := newCA(t, rsaKey(t, 1), "Sign-only CA", x509.KeyUsageDigitalSignature)
	ecCA := newCA(t, ecKey(t), "EC CA", x509.KeyUsageDigitalSignature)

	raSign := newRA(t, signOnlyRSA, rsaKey(t, 2), "RA sign", x509.KeyUsageDigitalSignature)
	raCrypt := newRA(t, signOnlyRSA, rsaKey(t, 3), "RA crypt", x509.KeyUsageKeyEncipherment)
	ecRASign := newRA(t, ecCA, ecKey(t), "EC RA sign", x509.KeyUsageDigitalSignature)
	ecRACrypt := newRA(t, ecCA, rsaKey(t, 3), "EC RA crypt", x509.KeyUsageDigitalSignature)

	tests := []struct {
		name      string
		certs     []*x509.Certificate
		sign      *x509.Certificate
		crypt     *x509.Certificate
		signOnly  bool
		fails     bool
		wantError interfaces.ErrorKind
	}{
		{name: "multipurpose CA", certs: []*x509.Certificate{multi.Certificate}, sign: multi.Certificate, crypt: multi.Certificate},
		{name: "sign-only RSA CA", certs: []*x509.Certificate{signOnlyRSA.Certificate}, sign: signOnlyRSA.Certificate, signOnly: true},
		{name: "ECDSA CA", certs: []*x509.Certificate{ecCA.Certificate}, sign: ecCA.Certificate, signOnly: true},
		{name: "separate RA certificates", certs: []*x509.Certificate{signOnlyRSA.Certificate, raSign, raCrypt}, sign: raSign, crypt: raCrypt},
		{name: "RA before CA in any order", certs: []*x509.Certificate{raCrypt, signOnlyRSA.Certificate, raSign}, sign: raSign, crypt: raCrypt},
		// Nothing can encrypt, so the CA certificate is the fallback pick.
		{name: "no encryption certificate", certs: []*x509.Certificate{ecCA.Certificate, ecRASign, ecRACrypt}, fails: true, wantError: interfaces.KindInvalid},
		{name: "empty", fails: true, wantError: interfaces.KindBadData},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ca, err := ImportCAIdentity(tc.certs)
			if tc.fails {
				require.Error(t, err)
				assert.Equal(t, tc.wantError, interfaces.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, cryptoutils.SameCertificate(tc.sign, ca.Sign), "sign certificate")
			assert.Equal(t, tc.signOnly, ca.SignOnly)
			if tc.crypt == nil {
				assert.Nil(t, ca.Crypt)
			} else {
				assert.True(t, cryptoutils.SameCertificate(tc.crypt, ca.Crypt), "crypt certificate")
			}
		})
	}
}

func TestParseCACertResponse(t *testing.T) {
	ca := newCA(t, rsaKey(t, 0), "Multipurpose CA", x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)

	identity, err := ParseCACertResponse(ca.Certificate.Raw)
	require.NoError(t, err)
	assert.False(t, identity.SignOnly)

	chain, err := cryptoutils.ExportChain(ca.Certificate)
	require.NoError(t, err)
	identity, err = ParseCACertResponse(append(chain, 0, 0, 0))
	require.NoError(t, err)
	assert.Len(t, identity.Chain, 1)

	_, err = ParseCACertResponse([]byte("not a certificate"))
	assert.Equal(t, interfaces.KindBadData, interfaces.KindOf(err))
}
