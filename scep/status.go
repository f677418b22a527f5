package scep

import (
	"strconv"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// MessageType is the SCEP messageType attribute.
type MessageType int

const (
	MessageTypeCertRep        MessageType = 3
	MessageTypeRenewal        MessageType = 18
	MessageTypePKCSReq        MessageType = 19
	MessageTypeGetCertInitial MessageType = 20
	MessageTypeGetCert        MessageType = 21
	MessageTypeGetCRL         MessageType = 22
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCertRep:
		return "CertRep"
	case MessageTypeRenewal:
		return "RenewalReq"
	case MessageTypePKCSReq:
		return "PKCSReq"
	case MessageTypeGetCertInitial:
		return "GetCertInitial"
	case MessageTypeGetCert:
		return "GetCert"
	case MessageTypeGetCRL:
		return "GetCRL"
	default:
		return "unknown"
	}
}

// PKIStatus is the SCEP pkiStatus attribute.
type PKIStatus int

const (
	PKIStatusSuccess PKIStatus = 0
	PKIStatusFailure PKIStatus = 2
	PKIStatusPending PKIStatus = 3
)

func (s PKIStatus) String() string {
	switch s {
	case PKIStatusSuccess:
		return "SUCCESS"
	case PKIStatusFailure:
		return "FAILURE"
	case PKIStatusPending:
		return "PENDING"
	default:
		return "unknown"
	}
}

// FailInfo is the SCEP failInfo attribute.
type FailInfo int

const (
	FailInfoBadAlg          FailInfo = 0
	FailInfoBadMessageCheck FailInfo = 1
	FailInfoBadRequest      FailInfo = 2
	FailInfoBadTime         FailInfo = 3
	FailInfoBadCertID       FailInfo = 4
)

func (f FailInfo) String() string {
	switch f {
	case FailInfoBadAlg:
		return "badAlg"
	case FailInfoBadMessageCheck:
		return "badMessageCheck"
	case FailInfoBadRequest:
		return "badRequest"
	case FailInfoBadTime:
		return "badTime"
	case FailInfoBadCertID:
		return "badCertId"
	default:
		return "unknown"
	}
}

// maxStatusDigits bounds a decimal status string.
const maxStatusDigits = 20

// EncodeStatus renders a status code as the decimal ASCII text carried on the
// wire.
func EncodeStatus(v int) string {
	return strconv.Itoa(v)
}

// DecodeStatus parses the decimal ASCII text of a status attribute.
func DecodeStatus(raw []byte) (int, error) {
	if len(raw) == 0 || len(raw) > maxStatusDigits {
		return 0, interfaces.NewError(interfaces.KindBadData, "Invalid status value length %d", len(raw))
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, interfaces.NewError(interfaces.KindBadData, "Invalid status value '%s'", raw)
		}
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, interfaces.WrapError(interfaces.KindBadData, err, "Status value '%s' out of range", raw)
	}
	return v, nil
}
