package clients

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/scep-provisioning-backend/certstore"
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/httpserver"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/kms"
	"github.com/ruteri/scep-provisioning-backend/scep"
	"github.com/ruteri/scep-provisioning-backend/storage"
	"github.com/ruteri/scep-provisioning-backend/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type adminEnv struct {
	url     string
	clients []*AdminClient
	sealed  []kms.SealedShare
	privs   map[string][]byte
	ca      *cryptoutils.KeyMaterial
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert, err := cryptoutils.NewCACertificate(key, pkix.Name{CommonName: "Client Test CA"}, time.Hour, x509.KeyUsageDigitalSignature)
	require.NoError(t, err)

	set, err := kms.NewAdminSet()
	require.NoError(t, err)
	privs := map[string][]byte{}
	for _, id := range []string{"alice", "bob", "carol"} {
		privPEM, pubPEM, err := kms.GenerateAdminKeyPair()
		require.NoError(t, err)
		require.NoError(t, set.Register(id, pubPEM))
		privs[id] = privPEM
	}
	config := kms.ShamirConfig{Threshold: 2, Admins: set}
	shares, err := kms.SplitCAKey(key, config)
	require.NoError(t, err)
	sealed, err := kms.SealShares(shares, config)
	require.NoError(t, err)
	ks, err := kms.NewShamirKeystore([]*x509.Certificate{cert}, config)
	require.NoError(t, err)

	store := certstore.New(storage.NewMemoryBackend("clients-test"), 0, testLog)
	engine, err := scep.NewServerEngine(scep.ServerConfig{Keystore: ks, Store: store, Log: testLog})
	require.NoError(t, err)
	admin, err := httpserver.NewAdminHandler(testLog, nil, ks, store)
	require.NoError(t, err)
	srv, err := httpserver.New(&httpserver.HTTPServerConfig{Log: testLog}, httpserver.NewHandler(engine, ks, store, testLog), admin)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(srv.Router())
	ts.Config.ConnContext = srv.ConnContext
	ts.Start()
	t.Cleanup(ts.Close)

	env := &adminEnv{url: ts.URL, sealed: sealed, privs: privs, ca: &cryptoutils.KeyMaterial{Key: key, Certificate: cert}}
	for _, s := range sealed {
		priv, err := kms.ParseAdminPrivateKey(privs[s.AdminID])
		require.NoError(t, err)
		env.clients = append(env.clients, NewAdminClient(ts.URL+"/admin", s.AdminID, priv, 5*time.Second))
	}
	return env
}

func (e *adminEnv) unlock(t *testing.T) {
	t.Helper()
	for i := 0; i < 2; i++ {
		share, err := e.sealed[i].Open(e.privs[e.sealed[i].AdminID])
		require.NoError(t, err)
		require.NoError(t, e.clients[i].SubmitShare(share))
	}
}

func TestAdminClient_Recovery(t *testing.T) {
	env := newAdminEnv(t)
	anonymous := NewAdminClient(env.url+"/admin", "", nil)

	status, err := anonymous.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "locked", status.State)
	assert.Equal(t, 2, status.Threshold)
	assert.Len(t, status.Admins, 3)

	assert.Error(t, anonymous.WaitForUnlock(50*time.Millisecond, 10*time.Millisecond))

	first, err := env.sealed[0].Open(env.privs[env.sealed[0].AdminID])
	require.NoError(t, err)
	require.NoError(t, env.clients[0].SubmitShare(first))
	err = env.clients[0].SubmitShare(first)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	second, err := env.sealed[1].Open(env.privs[env.sealed[1].AdminID])
	require.NoError(t, err)
	require.NoError(t, env.clients[1].SubmitShare(second))

	require.NoError(t, anonymous.WaitForUnlock(time.Second, 10*time.Millisecond))
}

func TestAdminClient_PKIUserAndApproval(t *testing.T) {
	env := newAdminEnv(t)
	env.unlock(t)
	client := env.clients[2]

	user, err := client.AddPKIUser(httpserver.PKIUserRequest{CommonName: "gateway-1", ManualApproval: true})
	require.NoError(t, err)

	err = client.ApproveRequest(user.ID)
	require.Error(t, err, "nothing to approve before the device enrolls")
	assert.Contains(t, err.Error(), "404")

	conn, err := transport.NewHTTPTransport(env.url+"/scep", nil, testLog)
	require.NoError(t, err)
	engine, err := scep.NewClientEngine(scep.ClientConfig{Transport: conn, Log: testLog})
	require.NoError(t, err)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tx, err := scep.NewTransaction([]byte(user.ID))
	require.NoError(t, err)
	req := scep.EnrollmentRequest{
		Key:      key,
		Template: &x509.CertificateRequest{Subject: pkix.Name{CommonName: "gateway-1"}},
		Password: []byte(user.Password),
	}

	_, err = engine.Enroll(context.Background(), tx, req)
	require.ErrorIs(t, err, interfaces.ErrPending)

	require.NoError(t, client.ApproveRequest(user.ID))

	result, err := engine.Enroll(context.Background(), tx, req)
	require.NoError(t, err)
	assert.Equal(t, "gateway-1", result.Certificate.Subject.CommonName)
	require.NoError(t, result.Certificate.CheckSignatureFrom(env.ca.Certificate))
}

func TestAdminClient_Unauthorized(t *testing.T) {
	env := newAdminEnv(t)
	stranger, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	client := NewAdminClient(env.url+"/admin", env.sealed[0].AdminID, stranger)
	_, err = client.AddPKIUser(httpserver.PKIUserRequest{CommonName: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
