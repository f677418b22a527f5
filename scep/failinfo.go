package scep

import (
	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// FailInfoForError picks the failInfo code the server reports for err.
func FailInfoForError(err error) FailInfo {
	switch interfaces.KindOf(err) {
	case interfaces.KindNotAvailable:
		return FailInfoBadAlg
	case interfaces.KindSignature:
		return FailInfoBadMessageCheck
	case interfaces.KindNotFound:
		return FailInfoBadCertID
	case interfaces.KindTime:
		return FailInfoBadTime
	default:
		return FailInfoBadRequest
	}
}

// ErrorForFailInfo is the client's interpretation of a failure reply.
func ErrorForFailInfo(code int) error {
	var kind interfaces.ErrorKind
	switch FailInfo(code) {
	case FailInfoBadAlg:
		kind = interfaces.KindNotAvailable
	case FailInfoBadMessageCheck:
		kind = interfaces.KindSignature
	case FailInfoBadRequest:
		kind = interfaces.KindPermission
	case FailInfoBadTime:
		kind = interfaces.KindInvalid
	case FailInfoBadCertID:
		kind = interfaces.KindNotFound
	default:
		return interfaces.NewError(interfaces.KindFailed, "SCEP request failed with error code %d", code)
	}
	return interfaces.NewError(kind, "SCEP request failed with error code %d (%s)", code, FailInfo(code))
}
