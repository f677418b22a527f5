package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/scep-provisioning-backend/certstore"
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/kms"
	"github.com/ruteri/scep-provisioning-backend/scep"
	"github.com/ruteri/scep-provisioning-backend/storage"
	"github.com/ruteri/scep-provisioning-backend/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	server *httptest.Server
	srv    *Server
	store  *certstore.Store
	ca     *cryptoutils.KeyMaterial
}

func newCAIdentity(t *testing.T) *cryptoutils.KeyMaterial {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert, err := cryptoutils.NewCACertificate(key, pkix.Name{CommonName: "HTTP Test CA"}, time.Hour,
		x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)
	require.NoError(t, err)
	return &cryptoutils.KeyMaterial{Key: key, Certificate: cert}
}

// newTestEnv serves the full router over httptest. admin may be nil.
func newTestEnv(t *testing.T, ca *cryptoutils.KeyMaterial, keystore interfaces.CAKeystore, admins *kms.AdminSet) *testEnv {
	t.Helper()
	store := certstore.New(storage.NewMemoryBackend("httpserver-test"), 0, testLog)
	engine, err := scep.NewServerEngine(scep.ServerConfig{Keystore: keystore, Store: store, Log: testLog})
	require.NoError(t, err)

	var admin *AdminHandler
	if admins != nil {
		admin, err = NewAdminHandler(testLog, admins, keystore, store)
		require.NoError(t, err)
	}

	srv, err := New(&HTTPServerConfig{Log: testLog, DrainDuration: time.Millisecond}, NewHandler(engine, keystore, store, testLog), admin)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(srv.Router())
	ts.Config.ConnContext = srv.ConnContext
	ts.Start()
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, srv: srv, store: store, ca: ca}
}

func newStaticEnv(t *testing.T) *testEnv {
	t.Helper()
	ca := newCAIdentity(t)
	ks, err := kms.NewStaticKeystore(ca, nil)
	require.NoError(t, err)
	return newTestEnv(t, ca, ks, nil)
}

func (e *testEnv) enroll(t *testing.T, path string, user *interfaces.PKIUser, cn string) (*scep.EnrollmentResult, error) {
	t.Helper()
	conn, err := transport.NewHTTPTransport(e.server.URL+path, e.server.Client(), testLog)
	require.NoError(t, err)
	client, err := scep.NewClientEngine(scep.ClientConfig{Transport: conn, Log: testLog})
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tx, err := scep.NewTransaction([]byte(user.ID))
	require.NoError(t, err)
	return client.Enroll(context.Background(), tx, scep.EnrollmentRequest{
		Key:      key,
		Template: &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}},
		Password: user.IssuePassword,
	})
}

func get(t *testing.T, client *http.Client, rawURL string) (*http.Response, []byte) {
	t.Helper()
	resp, err := client.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHandleSCEP_Enrollment(t *testing.T) {
	env := newStaticEnv(t)

	for i, path := range []string{"/scep", "/cgi-bin/pkiclient.exe"} {
		t.Run(path, func(t *testing.T) {
			user, err := env.store.AddPKIUser(context.Background(), interfaces.PKIUser{
				Subject: pkix.Name{CommonName: fmt.Sprintf("edge-%d", i)},
			})
			require.NoError(t, err)

			result, err := env.enroll(t, path, user, user.Subject.CommonName)
			require.NoError(t, err)
			assert.Equal(t, user.Subject.CommonName, result.Certificate.Subject.CommonName)
			require.NoError(t, result.Certificate.CheckSignatureFrom(env.ca.Certificate))
		})
	}
}

func TestHandleSCEP_SideChannel(t *testing.T) {
	env := newStaticEnv(t)
	client := env.server.Client()

	resp, body := get(t, client, env.server.URL+"/scep?operation=GetCACaps")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, scep.ContentTypeText, resp.Header.Get("Content-Type"))
	caps, err := scep.ParseCapabilities(body)
	require.NoError(t, err)
	assert.True(t, caps.Has(scep.CapPOSTPKIOperation))

	resp, body = get(t, client, env.server.URL+"/scep?operation=GetCACert&message=ca")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, scep.ContentTypeCACert, resp.Header.Get("Content-Type"))
	assert.Equal(t, env.ca.Certificate.Raw, body)

	resp, body = get(t, client, env.server.URL+"/scep?operation=GetCRL")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "GetCRL")
}

func TestHandleSCEP_SideChannelLimitPerConnection(t *testing.T) {
	env := newStaticEnv(t)
	client := env.server.Client()

	capsURL := env.server.URL + "/scep?operation=GetCACaps"
	for i := 0; i < scep.MaxSideChannelRequests; i++ {
		resp, _ := get(t, client, capsURL)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}

	resp, _ := get(t, client, capsURL)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The server closed that connection; a new one starts a fresh session.
	resp, _ = get(t, client, capsURL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleSCEP_BadPost(t *testing.T) {
	env := newStaticEnv(t)

	resp, err := env.server.Client().Post(env.server.URL+"/scep?operation=PKIOperation", scep.ContentTypePKIMessage, strings.NewReader("\x30\x01"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, scep.ContentTypeText, resp.Header.Get("Content-Type"))
}

func TestHandleCertstore(t *testing.T) {
	env := newStaticEnv(t)
	user, err := env.store.AddPKIUser(context.Background(), interfaces.PKIUser{Subject: pkix.Name{CommonName: "lookup-me"}})
	require.NoError(t, err)
	result, err := env.enroll(t, "/scep", user, "lookup-me")
	require.NoError(t, err)

	client := env.server.Client()
	resp, body := get(t, client, env.server.URL+"/certstore?name=LOOKUP-ME")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, scep.ContentTypePKIXCert, resp.Header.Get("Content-Type"))
	assert.Equal(t, result.Certificate.Raw, body)

	resp, _ = get(t, client, env.server.URL+"/certstore?"+url.Values{"name": {"nobody"}}.Encode())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, client, env.server.URL+"/certstore?sHash=AAAA")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, client, env.server.URL+"/certstore")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	env := newStaticEnv(t)
	client := env.server.Client()

	status := func(path string) (int, string) {
		resp, body := get(t, client, env.server.URL+path)
		var parsed map[string]string
		require.NoError(t, json.Unmarshal(body, &parsed))
		return resp.StatusCode, parsed["status"]
	}

	code, s := status("/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", s)

	code, s = status("/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", s)

	_, s = status("/drain")
	assert.Equal(t, "draining", s)
	_, s = status("/drain")
	assert.Equal(t, "already draining", s)

	code, _ = status("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, s = status("/undrain")
	assert.Equal(t, "ready", s)
	_, s = status("/undrain")
	assert.Equal(t, "already ready", s)

	resp, _ := get(t, client, env.server.URL+"/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "pprof is off by default")
}
