package scep

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"log/slog"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// PnPKeySize is the RSA key size generated when the caller brings no key.
const PnPKeySize = 2048

// ServerLocator finds the SCEP server URL when none is configured.
type ServerLocator interface {
	Locate(ctx context.Context) (string, error)
}

// TransportFactory opens a client transport to a SCEP server URL.
type TransportFactory func(serverURL string) (interfaces.ClientTransport, error)

// PnPClient is the plug-and-play wrapper around ClientEngine: it finds the
// server, generates the key if there is none, and then runs an ordinary
// enrollment.
type PnPClient struct {
	URL          string
	Locator      ServerLocator
	NewTransport TransportFactory
	CA           *CAIdentity
	Log          *slog.Logger
}

// Enroll runs a plug-and-play enrollment. The request is returned with any
// generated key filled in.
func (p *PnPClient) Enroll(ctx context.Context, tx *TransactionState, req EnrollmentRequest) (*EnrollmentResult, EnrollmentRequest, error) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	if p.NewTransport == nil {
		return nil, req, errors.New("no transport factory")
	}

	serverURL := p.URL
	if serverURL == "" {
		if p.Locator == nil {
			return nil, req, interfaces.NewError(interfaces.KindNotInited, "No SCEP server URL and no way to discover one")
		}
		located, err := p.Locator.Locate(ctx)
		if err != nil {
			return nil, req, interfaces.WrapError(interfaces.KindNotFound, err, "Couldn't locate SCEP server")
		}
		log.Info("Discovered SCEP server", "url", located)
		serverURL = located
	}

	if req.Key == nil {
		key, err := rsa.GenerateKey(rand.Reader, PnPKeySize)
		if err != nil {
			return nil, req, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't generate key")
		}
		req.Key = key
	}

	transport, err := p.NewTransport(serverURL)
	if err != nil {
		return nil, req, err
	}
	engine, err := NewClientEngine(ClientConfig{Transport: transport, CA: p.CA, Log: log})
	if err != nil {
		return nil, req, err
	}

	tx.PlugAndPlay = true
	result, err := engine.Enroll(ctx, tx, req)
	return result, req, err
}
