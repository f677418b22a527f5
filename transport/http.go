package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

const (
	// MaxResponseSize bounds any response body the client reads.
	MaxResponseSize = 1 << 20

	DefaultTimeout = 30 * time.Second
)

// HTTPTransport carries SCEP exchanges over HTTP to a fixed endpoint.
type HTTPTransport struct {
	endpoint   *url.URL
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPTransport creates a transport for the SCEP endpoint at rawURL,
// e.g. "http://ca.example.com/scep" or an NDES
// "http://host/certsrv/mscep/mscep.dll". A nil client uses one with
// DefaultTimeout.
func NewHTTPTransport(rawURL string, client *http.Client, log *slog.Logger) (*HTTPTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SCEP URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported SCEP URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("SCEP URL has no host")
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPTransport{endpoint: u, httpClient: client, log: log}, nil
}

// Exchange sends req and reads the whole response. A connection closed
// without any response data is reported as interfaces.ErrNoData.
func (t *HTTPTransport) Exchange(ctx context.Context, req *interfaces.TransportRequest) (*interfaces.TransportResponse, error) {
	u := *t.endpoint
	if len(req.Query) > 0 {
		u.RawQuery = EncodeQuery(req.Query)
	}

	var body io.Reader
	if req.Method == http.MethodPost {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFailed, err, "failed to create request")
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	t.log.Debug("SCEP exchange", "method", req.Method, "operation", req.Query.Get("operation"))
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, interfaces.ErrNoData
		}
		return nil, interfaces.WrapError(interfaces.KindRead, err, "request to %s failed", t.endpoint.Host)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		if len(data) == 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, interfaces.ErrNoData
		}
		return nil, interfaces.WrapError(interfaces.KindRead, err, "failed to read response")
	}
	if len(data) > MaxResponseSize {
		return nil, interfaces.NewError(interfaces.KindOverflow, "response exceeds %d bytes", MaxResponseSize)
	}
	if len(data) == 0 {
		return nil, interfaces.ErrNoData
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return &interfaces.TransportResponse{
		Status:      resp.StatusCode,
		ContentType: contentType,
		Body:        data,
		Peer:        PeerFromServerHeader(resp.Header.Get("Server")),
	}, nil
}

// EncodeQuery encodes q in key order like url.Values.Encode, except that the
// message of a PKIOperation is inserted as is: it is already escaped by the
// POST-as-GET encoding.
func EncodeQuery(q url.Values) string {
	rawMessage := q.Get("operation") == "PKIOperation"
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(url.QueryEscape(k))
			buf.WriteByte('=')
			if rawMessage && k == "message" {
				buf.WriteString(v)
			} else {
				buf.WriteString(url.QueryEscape(v))
			}
		}
	}
	return buf.String()
}

// PeerFromServerHeader fingerprints the server implementation. IIS 7.x
// ships with Windows Server 2008, 8.x with Server 2012.
func PeerFromServerHeader(server string) interfaces.PeerType {
	const iis = "Microsoft-IIS/"
	i := strings.Index(server, iis)
	if i < 0 {
		return interfaces.PeerUnknown
	}
	version := server[i+len(iis):]
	switch {
	case strings.HasPrefix(version, "7."):
		return interfaces.PeerMicrosoft2008
	case strings.HasPrefix(version, "8."):
		return interfaces.PeerMicrosoft2012
	default:
		return interfaces.PeerMicrosoft
	}
}
