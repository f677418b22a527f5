package interfaces

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies protocol, store and transport failures. The SCEP
// engine maps kinds onto fail-info codes on the wire and onto HTTP status
// codes when no signed reply can be produced.
type ErrorKind int

const (
	KindFailed ErrorKind = iota
	KindBadData
	KindUnderflow
	KindOverflow
	KindSignature
	KindTime
	KindNotAvailable
	KindPermission
	KindWrongKey
	KindInvalid
	KindNotFound
	KindDuplicate
	KindRead
	KindNotInited
)

var kindNames = map[ErrorKind]string{
	KindFailed:       "failed",
	KindBadData:      "bad data",
	KindUnderflow:    "underflow",
	KindOverflow:     "overflow",
	KindSignature:    "signature",
	KindTime:         "time",
	KindNotAvailable: "not available",
	KindPermission:   "permission",
	KindWrongKey:     "wrong key",
	KindInvalid:      "invalid",
	KindNotFound:     "not found",
	KindDuplicate:    "duplicate",
	KindRead:         "read",
	KindNotInited:    "not initialised",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var httpStatusMap = map[ErrorKind]int{
	KindBadData:      http.StatusBadRequest,
	KindUnderflow:    http.StatusBadRequest,
	KindOverflow:     http.StatusRequestEntityTooLarge,
	KindSignature:    http.StatusBadRequest,
	KindTime:         http.StatusBadRequest,
	KindNotAvailable: http.StatusNotImplemented,
	KindPermission:   http.StatusForbidden,
	KindWrongKey:     http.StatusForbidden,
	KindInvalid:      http.StatusBadRequest,
	KindNotFound:     http.StatusNotFound,
	KindDuplicate:    http.StatusConflict,
	KindRead:         http.StatusBadRequest,
	KindNotInited:    http.StatusServiceUnavailable,
}

// HTTPStatus returns the transport-level status used when an error has to be
// reported without a signed protocol reply.
func (k ErrorKind) HTTPStatus() int {
	if status, ok := httpStatusMap[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is the typed error carried through the engine. Msg is always
// sanitized and therefore safe to log or return to a peer.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError builds an Error with a sanitized, printf-style message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: Sanitize(fmt.Sprintf(format, args...))}
}

// WrapError is NewError with an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: Sanitize(fmt.Sprintf(format, args...)), Err: err}
}

// KindOf extracts the kind of err, or KindFailed for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrContentNotFound) {
		return KindNotFound
	}
	return KindFailed
}

// MessageOf returns the sanitized message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return Sanitize(err.Error())
}

// MaxErrorMessageLen bounds every diagnostic string.
const MaxErrorMessageLen = 256

// Sanitize replaces anything outside printable ASCII with '.' and truncates
// to MaxErrorMessageLen.
func Sanitize(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if b.Len() >= MaxErrorMessageLen {
			b.WriteString("[...]")
			break
		}
		c := s[i]
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		b.WriteByte(c)
	}
	return b.String()
}

var (
	// ErrPending is returned by a client transaction whose request is
	// queued on the CA. The caller re-invokes the transaction later with the
	// same transaction state.
	ErrPending = errors.New("certificate issuance pending")

	// ErrRequestPending is returned by a certificate store that defers
	// issuance until an operator approves the request.
	ErrRequestPending = errors.New("request awaiting approval")

	// ErrKeystoreLocked is returned while the CA key is not yet available.
	ErrKeystoreLocked = errors.New("CA keystore is locked")

	// ErrNoData is returned by a client transport when the server closed the
	// connection without sending a response.
	ErrNoData = errors.New("connection closed with no data")
)
