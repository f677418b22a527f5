package scep

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/ruteri/scep-provisioning-backend/certstore"
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/kms"
	"github.com/ruteri/scep-provisioning-backend/storage"
	"github.com/ruteri/scep-provisioning-backend/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPKI struct {
	ca     *cryptoutils.KeyMaterial
	store  *certstore.Store
	engine *ServerEngine
}

func newTestPKI(t *testing.T, ca *cryptoutils.KeyMaterial) *testPKI {
	t.Helper()
	ks, err := kms.NewStaticKeystore(ca, nil)
	require.NoError(t, err)
	return newTestPKIWithKeystore(t, ca, ks)
}

func newTestPKIWithKeystore(t *testing.T, ca *cryptoutils.KeyMaterial, ks interfaces.CAKeystore) *testPKI {
	t.Helper()
	store := certstore.New(storage.NewMemoryBackend(t.Name()), 0, nil)
	engine, err := NewServerEngine(ServerConfig{Keystore: ks, Store: store})
	require.NoError(t, err)
	return &testPKI{ca: ca, store: store, engine: engine}
}

func multipurposeCA(t *testing.T) *cryptoutils.KeyMaterial {
	return newCA(t, rsaKey(t, 0), "Multipurpose CA", x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)
}

func (p *testPKI) addUser(t *testing.T, template interfaces.PKIUser) *interfaces.PKIUser {
	t.Helper()
	user, err := p.store.AddPKIUser(context.Background(), template)
	require.NoError(t, err)
	return user
}

// connect runs a server session behind a loopback and returns its client
// end, plus the result of the server side.
func (p *testPKI) connect(t *testing.T) (interfaces.ClientTransport, <-chan error) {
	t.Helper()
	lb := transport.NewLoopback()
	t.Cleanup(lb.Close)

	done := make(chan error, 1)
	server := &Session{Role: RoleServer, Server: p.engine.NewSession(), Conn: lb.Server()}
	go func() {
		_, err := server.Transact(context.Background(), nil)
		lb.Close()
		done <- err
	}()
	return lb.Client(), done
}

func (p *testPKI) enroll(t *testing.T, tx *TransactionState, req EnrollmentRequest) (*EnrollmentResult, error) {
	t.Helper()
	conn, _ := p.connect(t)
	return p.enrollOver(t, conn, tx, req)
}

func (p *testPKI) enrollOver(t *testing.T, conn interfaces.ClientTransport, tx *TransactionState, req EnrollmentRequest) (*EnrollmentResult, error) {
	t.Helper()
	engine, err := NewClientEngine(ClientConfig{Transport: conn})
	require.NoError(t, err)
	client := &Session{Role: RoleClient, Client: engine, Request: req}
	return client.Transact(context.Background(), tx)
}

func newTx(t *testing.T, id string) *TransactionState {
	t.Helper()
	tx, err := NewTransaction([]byte(id))
	require.NoError(t, err)
	return tx
}

func template(cn string) *x509.CertificateRequest {
	return &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}
}

// recordingTransport remembers the requests it forwards and can rewrite
// the peer type the way an NDES Server header would.
type recordingTransport struct {
	inner interfaces.ClientTransport
	peer  interfaces.PeerType

	mu       sync.Mutex
	requests []*interfaces.TransportRequest
	lastPKI  *interfaces.TransportResponse
}

func (r *recordingTransport) Exchange(ctx context.Context, req *interfaces.TransportRequest) (*interfaces.TransportResponse, error) {
	resp, err := r.inner.Exchange(ctx, req)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if err != nil {
		return nil, err
	}
	if r.peer != interfaces.PeerUnknown {
		resp.Peer = r.peer
	}
	if req.Query.Get("operation") == OperationPKIOperation {
		r.lastPKI = resp
	}
	return resp, nil
}

// replayTransport answers PKIOperation with a canned response.
type replayTransport struct {
	inner interfaces.ClientTransport
	resp  *interfaces.TransportResponse
}

func (r *replayTransport) Exchange(ctx context.Context, req *interfaces.TransportRequest) (*interfaces.TransportResponse, error) {
	if req.Query.Get("operation") == OperationPKIOperation {
		return r.resp, nil
	}
	return r.inner.Exchange(ctx, req)
}

func TestEnroll_MultipurposeCA(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{
		Subject:  pkix.Name{CommonName: "device-1", Organization: []string{"Acme"}},
		DNSNames: []string{"device-1.example.com"},
	})

	key := rsaKey(t, 4)
	tx := newTx(t, user.ID)
	result, err := p.enroll(t, tx, EnrollmentRequest{Key: key, Template: template("device-1"), Password: user.IssuePassword})
	require.NoError(t, err)

	cert := result.Certificate
	assert.Equal(t, "device-1", cert.Subject.CommonName)
	assert.Equal(t, []string{"Acme"}, cert.Subject.Organization)
	assert.Equal(t, []string{"device-1.example.com"}, cert.DNSNames)
	assert.True(t, cryptoutils.PublicKeysEqual(key.Public(), cert.PublicKey))
	require.NoError(t, cert.CheckSignatureFrom(p.ca.Certificate))

	assert.Equal(t, StateDone, tx.State())
	assert.False(t, tx.Pending)
	assert.False(t, result.CA.SignOnly)
	assert.Nil(t, tx.cachedPassword, "password must not outlive the call")

	stored, err := certstore.Query(context.Background(), p.store, url.Values{"name": {"DEVICE-1"}})
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, stored.Raw)

	record, err := p.store.GetRequest(context.Background(), user.ID)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(record.CSR)
	require.NoError(t, err, "the recorded request keeps its DER")
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, "device-1", csr.Subject.CommonName)
}

func TestEnroll_AlreadyIssued(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-11"}})

	first, err := p.enroll(t, newTx(t, user.ID), EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-11"), Password: user.IssuePassword})
	require.NoError(t, err)
	record, err := p.store.GetRequest(context.Background(), user.ID)
	require.NoError(t, err)
	certID := record.CertID

	tx := newTx(t, user.ID)
	_, err = p.enroll(t, tx, EnrollmentRequest{Key: rsaKey(t, 5), Template: template("device-11"), Password: user.IssuePassword})
	require.Error(t, err)
	assert.Equal(t, interfaces.KindPermission, interfaces.KindOf(err), "badRequest maps to a permission error")
	assert.Equal(t, StateFailed, tx.State())

	record, err = p.store.GetRequest(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, certID, record.CertID)
	assert.Equal(t, interfaces.RequestStatusIssued, record.Status)

	issued, err := p.store.IssueCertificate(context.Background(), p.ca, user.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate.Raw, issued.Raw)
}

func TestEnroll_SignOnlyCA(t *testing.T) {
	p := newTestPKI(t, newCA(t, ecKey(t), "EC CA", x509.KeyUsageDigitalSignature))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-2"}})
	ecUser := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-2-ec"}})

	t.Run("without password", func(t *testing.T) {
		tx := newTx(t, user.ID)
		_, err := p.enroll(t, tx, EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-2")})
		require.Error(t, err)
		assert.Equal(t, interfaces.KindNotInited, interfaces.KindOf(err))
		assert.Equal(t, StateFailed, tx.State())
	})

	t.Run("RSA client", func(t *testing.T) {
		tx := newTx(t, user.ID)
		result, err := p.enroll(t, tx, EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-2"), Password: user.IssuePassword})
		require.NoError(t, err)
		assert.True(t, result.CA.SignOnly)
		assert.True(t, tx.CASignOnly)
		assert.False(t, tx.ClientSignOnly)
	})

	t.Run("ECDSA client", func(t *testing.T) {
		key := ecKey(t)
		tx := newTx(t, ecUser.ID)
		result, err := p.enroll(t, tx, EnrollmentRequest{Key: key, Template: template("device-2-ec"), Password: ecUser.IssuePassword})
		require.NoError(t, err)
		assert.True(t, tx.ClientSignOnly)
		assert.True(t, cryptoutils.PublicKeysEqual(key.Public(), result.Certificate.PublicKey))
	})
}

func TestEnroll_ManualApproval(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-3"}, ManualApproval: true})
	req := EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-3"), Password: user.IssuePassword}
	tx := newTx(t, user.ID)

	_, err := p.enroll(t, tx, req)
	require.ErrorIs(t, err, interfaces.ErrPending)
	assert.True(t, tx.Pending)
	assert.Equal(t, StatePending, tx.State())

	// Polling before approval stays pending.
	_, err = p.enroll(t, tx, req)
	require.ErrorIs(t, err, interfaces.ErrPending)

	_, err = p.store.ApproveRequest(context.Background(), user.ID)
	require.NoError(t, err)

	result, err := p.enroll(t, tx, req)
	require.NoError(t, err)
	assert.Equal(t, "device-3", result.Certificate.Subject.CommonName)
	assert.False(t, tx.Pending)

	record, err := p.store.GetRequest(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RequestStatusIssued, record.Status)
}

func TestEnroll_PollWithDifferentNonce(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-4"}, ManualApproval: true})
	req := EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-4"), Password: user.IssuePassword}
	tx := newTx(t, user.ID)

	_, err := p.enroll(t, tx, req)
	require.ErrorIs(t, err, interfaces.ErrPending)

	tx.Nonce = make([]byte, DefaultNonceSize)
	_, err = rand.Read(tx.Nonce)
	require.NoError(t, err)

	_, err = p.enroll(t, tx, req)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindSignature, interfaces.KindOf(err), "badMessageCheck maps to a signature error")
}

func TestEnroll_ReplayedResponseRejected(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-5"}})
	req := EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-5"), Password: user.IssuePassword}

	conn, _ := p.connect(t)
	recorder := &recordingTransport{inner: conn}
	_, err := p.enrollOver(t, recorder, newTx(t, user.ID), req)
	require.NoError(t, err)
	require.NotNil(t, recorder.lastPKI)

	conn, _ = p.connect(t)
	_, err = p.enrollOver(t, &replayTransport{inner: conn, resp: recorder.lastPKI}, newTx(t, user.ID), req)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindSignature, interfaces.KindOf(err))
	assert.Contains(t, err.Error(), "nonce")
}

func TestEnroll_Failures(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-6"}})

	unknownKeyID := make([]byte, certstore.KeyIDLength)
	_, err := rand.Read(unknownKeyID)
	require.NoError(t, err)
	unknownID, err := certstore.EncodeUserID(unknownKeyID)
	require.NoError(t, err)

	tests := []struct {
		name string
		id   string
		req  EnrollmentRequest
		want interfaces.ErrorKind
	}{
		{
			name: "wrong password",
			id:   user.ID,
			req:  EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-6"), Password: []byte("not-the-password")},
			want: interfaces.KindPermission,
		},
		{
			name: "unknown PKI user",
			id:   unknownID,
			req:  EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-6"), Password: user.IssuePassword},
			want: interfaces.KindNotFound,
		},
		{
			name: "conflicting subject",
			id:   user.ID,
			req:  EnrollmentRequest{Key: rsaKey(t, 4), Template: template("someone-else"), Password: user.IssuePassword},
			want: interfaces.KindPermission,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tx := newTx(t, tc.id)
			_, err := p.enroll(t, tx, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.want, interfaces.KindOf(err))
			assert.Equal(t, StateFailed, tx.State())

			_, err = p.store.GetRequest(context.Background(), tc.id)
			assert.Equal(t, interfaces.KindNotFound, interfaces.KindOf(err), "a rejected request is not recorded")
		})
	}
}

func TestEnroll_PostAsGetForNDES(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-7"}})

	conn, _ := p.connect(t)
	recorder := &recordingTransport{inner: conn, peer: interfaces.PeerMicrosoft2008}
	tx := newTx(t, user.ID)
	_, err := p.enrollOver(t, recorder, tx, EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-7"), Password: user.IssuePassword})
	require.NoError(t, err)
	assert.Equal(t, interfaces.PeerMicrosoft2008, tx.Peer)

	last := recorder.requests[len(recorder.requests)-1]
	assert.Equal(t, http.MethodGet, last.Method)
	assert.Equal(t, OperationPKIOperation, last.Query.Get("operation"))
	assert.NotEmpty(t, last.Query.Get("message"))
}

func TestEnroll_Renewal(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-8"}})

	oldKey := rsaKey(t, 4)
	first, err := p.enroll(t, newTx(t, user.ID), EnrollmentRequest{Key: oldKey, Template: template("device-8"), Password: user.IssuePassword})
	require.NoError(t, err)

	newKey := rsaKey(t, 5)
	renewed, err := p.enroll(t, newTx(t, user.ID), EnrollmentRequest{
		Key:      newKey,
		Template: template("device-8"),
		Password: user.IssuePassword,
		Existing: &cryptoutils.KeyMaterial{Key: oldKey, Certificate: first.Certificate},
	})
	require.NoError(t, err)
	assert.True(t, cryptoutils.PublicKeysEqual(newKey.Public(), renewed.Certificate.PublicKey))
	assert.NotEqual(t, first.Certificate.SerialNumber, renewed.Certificate.SerialNumber)

	record, err := p.store.GetRequest(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, record.Renewal)

	// A certificate this CA never issued can't sign a renewal.
	stranger := newCA(t, rsaKey(t, 6), "Stranger", x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)
	_, err = p.enroll(t, newTx(t, user.ID), EnrollmentRequest{
		Key:      newKey,
		Template: template("device-8"),
		Password: user.IssuePassword,
		Existing: stranger,
	})
	require.Error(t, err)
	assert.Equal(t, interfaces.KindNotFound, interfaces.KindOf(err))
}

func TestPnPEnroll(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-9"}})

	var dialed string
	pnp := &PnPClient{
		Locator: locatorFunc(func(context.Context) (string, error) { return "http://ca.example.com/scep", nil }),
		NewTransport: func(serverURL string) (interfaces.ClientTransport, error) {
			dialed = serverURL
			conn, _ := p.connect(t)
			return conn, nil
		},
	}

	tx := newTx(t, user.ID)
	session := &Session{Role: RoleClient, PnP: pnp, Request: EnrollmentRequest{Template: template("device-9"), Password: user.IssuePassword}}
	result, err := session.Transact(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "http://ca.example.com/scep", dialed)
	assert.True(t, tx.PlugAndPlay)
	require.NotNil(t, session.Request.Key, "a key is generated when none is given")
	assert.True(t, cryptoutils.PublicKeysEqual(session.Request.Key.Public(), result.Certificate.PublicKey))
}

type locatorFunc func(context.Context) (string, error)

func (f locatorFunc) Locate(ctx context.Context) (string, error) { return f(ctx) }

func TestServe_SideChannelLimit(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	conn, done := p.connect(t)
	ctx := context.Background()

	caps := &interfaces.TransportRequest{Method: http.MethodGet, Query: url.Values{"operation": {OperationGetCACaps}}}
	for i := 0; i < MaxSideChannelRequests; i++ {
		resp, err := conn.Exchange(ctx, caps)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
	}

	resp, err := conn.Exchange(ctx, caps)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Status)

	err = <-done
	assert.Equal(t, interfaces.KindDuplicate, interfaces.KindOf(err))
}

func TestServe_MalformedGetsCountTowardsLimit(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	conn, done := p.connect(t)
	ctx := context.Background()

	bogus := &interfaces.TransportRequest{Method: http.MethodGet, Query: url.Values{"operation": {"Bogus"}}}
	for i := 0; i < MaxSideChannelRequests; i++ {
		resp, err := conn.Exchange(ctx, bogus)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.Status, "request %d", i+1)
	}

	resp, err := conn.Exchange(ctx, bogus)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Status)

	err = <-done
	assert.Equal(t, interfaces.KindDuplicate, interfaces.KindOf(err))

	_, err = conn.Exchange(ctx, &interfaces.TransportRequest{Method: http.MethodGet, Query: url.Values{"operation": {OperationGetCACaps}}})
	assert.ErrorIs(t, err, interfaces.ErrNoData, "the session is over")
}

func TestHandle_MixedSideChannelLimit(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	session := p.engine.NewSession()
	ctx := context.Background()

	caps := &interfaces.TransportRequest{Method: http.MethodGet, Query: url.Values{"operation": {OperationGetCACaps}}}
	noOp := &interfaces.TransportRequest{Method: http.MethodGet, Query: url.Values{}}
	for i := 0; i < MaxSideChannelRequests; i++ {
		req := caps
		if i%2 == 1 {
			req = noOp
		}
		assert.NotEqual(t, http.StatusConflict, session.Handle(ctx, req).Status)
	}
	assert.Equal(t, http.StatusConflict, session.Handle(ctx, caps).Status)
}

func TestServe_ClientLeavesAfterSideChannel(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	lb := transport.NewLoopback()
	done := make(chan error, 1)
	go func() { done <- p.engine.NewSession().Serve(context.Background(), lb.Server()) }()

	resp, err := lb.Client().Exchange(context.Background(), &interfaces.TransportRequest{
		Method: http.MethodGet,
		Query:  url.Values{"operation": {OperationGetCACert}, "message": {"ca"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ContentTypeCACert, resp.ContentType)
	assert.Equal(t, p.ca.Certificate.Raw, resp.Body)

	lb.Close()
	assert.NoError(t, <-done)
}

func TestServe_GetPKIOperationResetsSideChannel(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	session := p.engine.NewSession()
	ctx := context.Background()

	caps := &interfaces.TransportRequest{Method: http.MethodGet, Query: url.Values{"operation": {OperationGetCACaps}}}
	for i := 0; i < MaxSideChannelRequests; i++ {
		assert.Equal(t, http.StatusOK, session.Handle(ctx, caps).Status)
	}

	resp := session.Handle(ctx, &interfaces.TransportRequest{
		Method: http.MethodGet,
		Query:  url.Values{"operation": {OperationPKIOperation}, "message": {"MAMCAQA="}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	assert.Equal(t, http.StatusOK, session.Handle(ctx, caps).Status, "PKIOperation resets the side-channel count")
}

func TestHandle_CACertChain(t *testing.T) {
	root := newCA(t, rsaKey(t, 1), "Root", x509.KeyUsageDigitalSignature)
	ca := multipurposeCA(t)
	ks, err := kms.NewStaticKeystore(ca, []*x509.Certificate{ca.Certificate, root.Certificate})
	require.NoError(t, err)
	p := newTestPKIWithKeystore(t, ca, ks)

	resp := p.engine.NewSession().Handle(context.Background(), &interfaces.TransportRequest{
		Method: http.MethodGet,
		Query:  url.Values{"operation": {OperationGetCACert}},
	})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, ContentTypeCACertChain, resp.ContentType)

	identity, err := ParseCACertResponse(resp.Body)
	require.NoError(t, err)
	assert.Len(t, identity.Chain, 2)
}

func TestHandle_TransportErrors(t *testing.T) {
	p := newTestPKI(t, multipurposeCA(t))
	session := p.engine.NewSession()
	ctx := context.Background()

	tests := []struct {
		name   string
		req    *interfaces.TransportRequest
		status int
	}{
		{"too short", &interfaces.TransportRequest{Method: http.MethodPost, Body: []byte{0x30}}, http.StatusBadRequest},
		{"not signed data", &interfaces.TransportRequest{Method: http.MethodPost, Body: []byte{0x30, 0x03, 0x02, 0x01, 0x00}}, http.StatusBadRequest},
		{"unknown operation", &interfaces.TransportRequest{Method: http.MethodGet, Query: url.Values{"operation": {"GetCRL"}}}, http.StatusBadRequest},
		{"no operation", &interfaces.TransportRequest{Method: http.MethodGet, Query: url.Values{}}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := session.Handle(ctx, tc.req)
			assert.Equal(t, tc.status, resp.Status)
			assert.Equal(t, ContentTypeText, resp.ContentType)
			assert.NotEmpty(t, resp.Body)
		})
	}
}

type lockedKeystore struct {
	chain []*x509.Certificate
}

func (k lockedKeystore) IsUnlocked() bool { return false }
func (k lockedKeystore) SigningIdentity() (*cryptoutils.KeyMaterial, error) {
	return nil, interfaces.ErrKeystoreLocked
}
func (k lockedKeystore) Chain() []*x509.Certificate { return k.chain }

func TestEnroll_LockedKeystore(t *testing.T) {
	ca := multipurposeCA(t)
	p := newTestPKIWithKeystore(t, ca, lockedKeystore{chain: []*x509.Certificate{ca.Certificate}})
	user := p.addUser(t, interfaces.PKIUser{Subject: pkix.Name{CommonName: "device-10"}})

	_, err := p.enroll(t, newTx(t, user.ID), EnrollmentRequest{Key: rsaKey(t, 4), Template: template("device-10"), Password: user.IssuePassword})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
