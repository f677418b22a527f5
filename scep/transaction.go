package scep

import (
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

const (
	// MaxTransactionIDSize and MaxNonceSize are the largest hash output.
	MaxTransactionIDSize = 64
	MinNonceSize         = 16
	MaxNonceSize         = 64
)

// ClientState is the client's progress through one enrollment.
type ClientState int

const (
	StateInit ClientState = iota
	StateCapsKnown
	StateHaveCACert
	StateIdentityBuilt
	StateRequestSent
	StateResponseChecked
	StateDone
	StatePending
	StateFailed
)

func (s ClientState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCapsKnown:
		return "caps-known"
	case StateHaveCACert:
		return "have-ca-cert"
	case StateIdentityBuilt:
		return "identity-built"
	case StateRequestSent:
		return "request-sent"
	case StateResponseChecked:
		return "response-checked"
	case StateDone:
		return "done"
	case StatePending:
		return "pending"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransactionState is the state of one SCEP exchange. A client keeps it
// across a pending retry; everything else is private to a single call.
type TransactionState struct {
	TransactionID []byte
	Nonce         []byte

	// Ephemeral is the client's signing identity. On the server it holds
	// the certificate taken from the request, without a key.
	Ephemeral *cryptoutils.KeyMaterial

	// PKIUser is resolved per request on the server.
	PKIUser *interfaces.PKIUser

	Pending         bool
	GotCapabilities bool
	PlugAndPlay     bool
	ClientSignOnly  bool
	CASignOnly      bool

	// CA is the CA identity fetched by the client, kept for a retry.
	CA *CAIdentity

	// Capabilities and Peer are what GetCACaps and the transport told the
	// client about the server.
	Capabilities *Capabilities
	Peer         interfaces.PeerType

	// request is the CSR sent in the initial request, kept for the
	// issuerAndSubject of a retry.
	request []byte

	cachedPassword []byte
	state          ClientState
}

// NewTransaction starts a transaction under id.
func NewTransaction(id []byte) (*TransactionState, error) {
	tx := &TransactionState{}
	if err := tx.SetTransactionID(id); err != nil {
		return nil, err
	}
	return tx, nil
}

// SetTransactionID sets the transaction ID, which must fit a PrintableString.
// It can't be changed on a pending transaction.
func (tx *TransactionState) SetTransactionID(id []byte) error {
	if tx.Pending {
		return interfaces.NewError(interfaces.KindInvalid, "Transaction ID can't change while a request is pending")
	}
	if err := ValidateTransactionID(id); err != nil {
		return err
	}
	tx.TransactionID = append([]byte(nil), id...)
	return nil
}

// ValidateTransactionID checks length and character set of a transaction ID.
func ValidateTransactionID(id []byte) error {
	if len(id) == 0 || len(id) > MaxTransactionIDSize {
		return interfaces.NewError(interfaces.KindBadData, "Invalid transaction ID length %d", len(id))
	}
	for _, c := range id {
		if !isPrintable(c) {
			return interfaces.NewError(interfaces.KindBadData, "Transaction ID '%s' contains invalid characters", id)
		}
	}
	return nil
}

// ValidateNonce checks the nonce bounds.
func ValidateNonce(nonce []byte) error {
	if len(nonce) < MinNonceSize || len(nonce) > MaxNonceSize {
		return interfaces.NewError(interfaces.KindBadData, "Invalid nonce length %d", len(nonce))
	}
	return nil
}

// isPrintable reports membership in the ASN.1 PrintableString set.
func isPrintable(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case ' ', '\'', '(', ')', '+', ',', '-', '.', '/', ':', '=', '?':
		return true
	}
	return false
}

// State returns the client progress.
func (tx *TransactionState) State() ClientState {
	return tx.state
}

func (tx *TransactionState) setState(s ClientState) {
	tx.state = s
}

func (tx *TransactionState) setPassword(password []byte) {
	cryptoutils.Zeroize(tx.cachedPassword)
	tx.cachedPassword = append([]byte(nil), password...)
}

// Clear zeroes the cached password. It runs at the end of every engine call,
// so a pending retry has to supply the password again.
func (tx *TransactionState) Clear() {
	cryptoutils.Zeroize(tx.cachedPassword)
	tx.cachedPassword = nil
}
