package scep

import (
	"crypto/rand"
	"encoding/asn1"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// SCEP signed attribute OIDs, id-attributes under the VeriSign arc.
var (
	oidMessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidPKIStatus      = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	oidFailInfo       = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 4}
	oidSenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidRecipientNonce = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 6}
	oidTransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}
)

// DefaultNonceSize is the size of a freshly generated sender nonce.
const DefaultNonceSize = 16

// AttributeParams describes the message an attribute set is built for.
type AttributeParams struct {
	MessageType MessageType
	// Initiator selects senderNonce (request) or recipientNonce (reply)
	Initiator bool
	// Status and FailInfo are only emitted by the responder
	Status   PKIStatus
	FailInfo FailInfo
}

// BuildAttributes assembles the signed attributes of a SCEP message. The
// initiator generates tx.Nonce when it has none yet; the responder echoes
// tx.Nonce.
func BuildAttributes(tx *TransactionState, params AttributeParams) ([]cryptoutils.Attribute, error) {
	if len(tx.TransactionID) == 0 {
		return nil, interfaces.NewError(interfaces.KindNotInited, "No transaction ID set")
	}

	attrs := []cryptoutils.Attribute{
		{Type: oidTransactionID, Value: string(tx.TransactionID)},
		{Type: oidMessageType, Value: EncodeStatus(int(params.MessageType))},
	}

	if params.Initiator {
		if len(tx.Nonce) == 0 {
			nonce := make([]byte, DefaultNonceSize)
			if _, err := rand.Read(nonce); err != nil {
				return nil, interfaces.WrapError(interfaces.KindFailed, err, "Couldn't generate nonce")
			}
			tx.Nonce = nonce
		}
		return append(attrs, cryptoutils.Attribute{Type: oidSenderNonce, Value: tx.Nonce}), nil
	}

	if len(tx.Nonce) == 0 {
		return nil, interfaces.NewError(interfaces.KindNotInited, "No nonce to echo")
	}
	attrs = append(attrs,
		cryptoutils.Attribute{Type: oidRecipientNonce, Value: tx.Nonce},
		cryptoutils.Attribute{Type: oidPKIStatus, Value: EncodeStatus(int(params.Status))},
	)
	if params.Status == PKIStatusFailure {
		attrs = append(attrs, cryptoutils.Attribute{Type: oidFailInfo, Value: EncodeStatus(int(params.FailInfo))})
	}
	return attrs, nil
}

// Attributes are the SCEP attributes read back from a verified message.
// Absent values stay nil, and the Has* flags record whether the numeric
// attributes were present.
type Attributes struct {
	TransactionID  []byte
	MessageType    MessageType
	SenderNonce    []byte
	RecipientNonce []byte

	Status      PKIStatus
	HasStatus   bool
	FailInfo    int
	HasFailInfo bool
}

// ReadAttributes extracts the SCEP attributes of a verified envelope. The
// message type is mandatory; the remaining attributes are checked by the
// engine that knows which ones the message needs.
func ReadAttributes(env *cryptoutils.SignedEnvelope) (*Attributes, error) {
	attrs := &Attributes{}

	raw, ok := env.RawAttribute(oidMessageType)
	if !ok {
		return nil, interfaces.NewError(interfaces.KindBadData, "Missing message type attribute")
	}
	messageType, err := DecodeStatus(raw)
	if err != nil {
		return nil, err
	}
	attrs.MessageType = MessageType(messageType)

	if v, ok := env.RawAttribute(oidTransactionID); ok {
		attrs.TransactionID = v
	}
	if v, ok := env.RawAttribute(oidSenderNonce); ok {
		attrs.SenderNonce = v
	}
	if v, ok := env.RawAttribute(oidRecipientNonce); ok {
		attrs.RecipientNonce = v
	}
	if v, ok := env.RawAttribute(oidPKIStatus); ok {
		status, err := DecodeStatus(v)
		if err != nil {
			return nil, err
		}
		attrs.Status, attrs.HasStatus = PKIStatus(status), true
	}
	if v, ok := env.RawAttribute(oidFailInfo); ok {
		failInfo, err := DecodeStatus(v)
		if err != nil {
			return nil, err
		}
		attrs.FailInfo, attrs.HasFailInfo = failInfo, true
	}
	return attrs, nil
}
