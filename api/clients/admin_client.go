package clients

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/scep-provisioning-backend/httpserver"
	"github.com/ruteri/scep-provisioning-backend/kms"
)

// AdminClient provides methods for interacting with the admin API.
// It handles authentication, request signing, and response parsing.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewAdminClient creates a new admin client for interacting with the admin API.
//
// Parameters:
//   - baseURL: The base URL of the admin API (e.g., "http://localhost:8080/admin")
//   - adminID: The administrator's ID
//   - privateKey: The administrator's ECDSA private key
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    baseURL,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// GetStatus queries the keystore state and share-collection progress.
func (c *AdminClient) GetStatus() (*httpserver.StatusResponse, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	var status httpserver.StatusResponse
	if err := c.do(req, "status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SubmitShare submits this admin's CA key share. The share is signed with
// the admin key as well as the request itself.
func (c *AdminClient) SubmitShare(share []byte) error {
	signature, err := kms.SignShare(c.privateKey, share)
	if err != nil {
		return fmt.Errorf("failed to sign share: %w", err)
	}

	reqJSON, err := json.Marshal(httpserver.ShareSubmission{
		Share:     base64.StdEncoding.EncodeToString(share),
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := CreateSignedAdminRequest(http.MethodPost, c.baseURL+"/share", reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return err
	}
	return c.do(req, "submit share", nil)
}

// AddPKIUser registers a PKI user and returns its ID and issue password.
func (c *AdminClient) AddPKIUser(user httpserver.PKIUserRequest) (*httpserver.PKIUserResponse, error) {
	reqJSON, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := CreateSignedAdminRequest(http.MethodPost, c.baseURL+"/pkiuser", reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return nil, err
	}

	var created httpserver.PKIUserResponse
	if err := c.do(req, "add PKI user", &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ApproveRequest releases the held request of a manual-approval PKI user.
func (c *AdminClient) ApproveRequest(transactionID string) error {
	reqURL := fmt.Sprintf("%s/requests/%s/approve", c.baseURL, url.PathEscape(transactionID))
	req, err := CreateSignedAdminRequest(http.MethodPost, reqURL, nil, c.adminID, c.privateKey)
	if err != nil {
		return err
	}
	return c.do(req, "approve request", nil)
}

// WaitForUnlock polls the status until the CA key is unlocked.
//
// Parameters:
//   - timeout: Maximum duration to wait
//   - interval: Polling interval
func (c *AdminClient) WaitForUnlock(timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		status, err := c.GetStatus()
		if err != nil {
			return fmt.Errorf("failed to get keystore status: %w", err)
		}
		if status.State == "unlocked" {
			return nil
		}
		time.Sleep(interval)
	}

	return fmt.Errorf("timeout waiting for CA key unlock")
}

func (c *AdminClient) do(req *http.Request, what string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with code %d: %s", what, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", what, err)
	}
	return nil
}

// CreateSignedAdminRequest creates a new HTTP request with admin authentication headers.
//
// The signature is created by:
//  1. Concatenating the request path with the request body (if any)
//  2. Signing it with the admin's private key (kms.SignAdminMessage)
//  3. Base64-encoding the signature
func CreateSignedAdminRequest(method, reqUrl string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	var req *http.Request
	var err error

	if body != nil {
		req, err = http.NewRequest(method, reqUrl, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, reqUrl, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	}

	if err := signRequest(req, body, adminID, privateKey); err != nil {
		return nil, err
	}
	return req, nil
}

// SignAdminRequest adds authentication headers to an existing HTTP request.
func SignAdminRequest(req *http.Request, adminID string, privateKey *ecdsa.PrivateKey) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	return signRequest(req, bodyBytes, adminID, privateKey)
}

func signRequest(req *http.Request, body []byte, adminID string, privateKey *ecdsa.PrivateKey) error {
	signature, err := kms.SignAdminMessage(privateKey, httpserver.AdminMessage(req.URL.Path, body))
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	req.Header.Set(httpserver.AdminIDHeader, adminID)
	req.Header.Set(httpserver.AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	return nil
}
