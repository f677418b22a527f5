package scep

import (
	"context"
	"errors"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// Role selects which side of the protocol a Session runs.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// Session runs one SCEP transaction in either role. Client sessions use
// Client (or PnP when set) with Request; server sessions use Server with
// Conn.
type Session struct {
	Role Role

	Client  *ClientEngine
	PnP     *PnPClient
	Request EnrollmentRequest

	Server *ServerSession
	Conn   interfaces.ServerConn
}

// Transact runs the session's side of the exchange. Server sessions ignore
// tx and return a nil result.
func (s *Session) Transact(ctx context.Context, tx *TransactionState) (*EnrollmentResult, error) {
	switch s.Role {
	case RoleClient:
		if s.PnP != nil {
			result, req, err := s.PnP.Enroll(ctx, tx, s.Request)
			s.Request = req
			return result, err
		}
		if s.Client == nil {
			return nil, errors.New("client session has no engine")
		}
		return s.Client.Enroll(ctx, tx, s.Request)
	case RoleServer:
		if s.Server == nil || s.Conn == nil {
			return nil, errors.New("server session has no engine or connection")
		}
		return nil, s.Server.Serve(ctx, s.Conn)
	default:
		return nil, errors.New("unknown session role")
	}
}
