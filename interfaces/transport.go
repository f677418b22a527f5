package interfaces

import (
	"context"
	"net/url"
)

// PeerType is the server implementation a client fingerprinted from the
// transport metadata. Some implementations need protocol work-arounds.
type PeerType int

const (
	PeerUnknown PeerType = iota
	PeerMicrosoft
	PeerMicrosoft2008
	PeerMicrosoft2012
)

func (p PeerType) String() string {
	switch p {
	case PeerMicrosoft:
		return "microsoft"
	case PeerMicrosoft2008:
		return "microsoft-2008"
	case PeerMicrosoft2012:
		return "microsoft-2012"
	default:
		return "unknown"
	}
}

// TransportRequest is one message handed to or received from the transport.
// For a GET, Query carries the operation; for a POST, Body carries the
// message and ContentType its media type.
type TransportRequest struct {
	Method      string
	Query       url.Values
	ContentType string
	Body        []byte
}

// TransportResponse is the reply to a TransportRequest. Status is an HTTP
// status code; anything but 200 means a transport-level error whose
// diagnostic text is in Body.
type TransportResponse struct {
	Status      int
	ContentType string
	Body        []byte
	Peer        PeerType
}

// ClientTransport sends one request and waits for its response. Timeouts and
// cancellation are the transport's business and surface as errors.
type ClientTransport interface {
	Exchange(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

// ServerConn is the server side of a transport session: it yields inbound
// requests one at a time and sends the matching responses.
type ServerConn interface {
	Receive(ctx context.Context) (*TransportRequest, error)
	Send(ctx context.Context, resp *TransportResponse) error
}
