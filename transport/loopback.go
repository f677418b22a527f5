package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

var ErrClosed = errors.New("loopback closed")

type exchange struct {
	req  *interfaces.TransportRequest
	resp chan *interfaces.TransportResponse
}

// Loopback connects a ClientTransport to a ServerConn in memory. It is the
// transport used when client and server run in one process.
type Loopback struct {
	requests chan exchange
	pending  chan exchange
	done     chan struct{}
	once     sync.Once
}

func NewLoopback() *Loopback {
	return &Loopback{
		requests: make(chan exchange),
		pending:  make(chan exchange, 1),
		done:     make(chan struct{}),
	}
}

// Close ends the session: the server's next Receive and any waiting
// client Exchange fail.
func (l *Loopback) Close() {
	l.once.Do(func() { close(l.done) })
}

// Client returns the client end.
func (l *Loopback) Client() interfaces.ClientTransport { return loopbackClient{l} }

// Server returns the server end.
func (l *Loopback) Server() interfaces.ServerConn { return loopbackServer{l} }

type loopbackClient struct{ l *Loopback }

func (c loopbackClient) Exchange(ctx context.Context, req *interfaces.TransportRequest) (*interfaces.TransportResponse, error) {
	select {
	case <-c.l.done:
		return nil, interfaces.ErrNoData
	default:
	}

	ex := exchange{req: req, resp: make(chan *interfaces.TransportResponse, 1)}
	select {
	case c.l.requests <- ex:
	case <-c.l.done:
		return nil, interfaces.ErrNoData
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-ex.resp:
		return resp, nil
	case <-c.l.done:
		// The server may have answered just before closing.
		select {
		case resp := <-ex.resp:
			return resp, nil
		default:
			return nil, interfaces.ErrNoData
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type loopbackServer struct{ l *Loopback }

func (s loopbackServer) Receive(ctx context.Context) (*interfaces.TransportRequest, error) {
	select {
	case ex := <-s.l.requests:
		s.l.pending <- ex
		return ex.req, nil
	case <-s.l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s loopbackServer) Send(ctx context.Context, resp *interfaces.TransportResponse) error {
	select {
	case ex := <-s.l.pending:
		ex.resp <- resp
		return nil
	default:
		return errors.New("no request to respond to")
	}
}
