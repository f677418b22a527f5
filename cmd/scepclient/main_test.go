package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/scep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	km, err := cryptoutils.NewEphemeralIdentity(key, pkix.Name{CommonName: cn})
	require.NoError(t, err)
	return km.Certificate
}

func TestLeafFirst(t *testing.T) {
	leaf := selfSigned(t, "device")
	ca := selfSigned(t, "ca")

	tests := []struct {
		name  string
		chain []*x509.Certificate
	}{
		{"leaf in chain", []*x509.Certificate{leaf, ca}},
		{"leaf last in chain", []*x509.Certificate{ca, leaf}},
		{"leaf missing from chain", []*x509.Certificate{ca}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			certs := leafFirst(&scep.EnrollmentResult{Certificate: leaf, Chain: tc.chain})
			require.Len(t, certs, 2)
			assert.True(t, certs[0].Equal(leaf))
			assert.True(t, certs[1].Equal(ca))
		})
	}
}
