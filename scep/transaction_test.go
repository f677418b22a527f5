package scep

import (
	"strings"
	"testing"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransactionID(t *testing.T) {
	assert.NoError(t, ValidateTransactionID([]byte("ABCDE-FGHJK-LMNPQ")))
	assert.NoError(t, ValidateTransactionID([]byte(strings.Repeat("a", MaxTransactionIDSize))))

	for _, id := range []string{"", strings.Repeat("a", MaxTransactionIDSize+1), "id_with_underscore", "tab\there", "ümlaut"} {
		err := ValidateTransactionID([]byte(id))
		assert.Equal(t, interfaces.KindBadData, interfaces.KindOf(err), "id %q", id)
	}
}

func TestValidateNonce(t *testing.T) {
	assert.NoError(t, ValidateNonce(make([]byte, MinNonceSize)))
	assert.NoError(t, ValidateNonce(make([]byte, MaxNonceSize)))
	assert.Error(t, ValidateNonce(make([]byte, MinNonceSize-1)))
	assert.Error(t, ValidateNonce(make([]byte, MaxNonceSize+1)))
}

func TestTransactionState(t *testing.T) {
	tx, err := NewTransaction([]byte("ABCDE-FGHJK-LMNPQ"))
	require.NoError(t, err)
	assert.Equal(t, StateInit, tx.State())

	tx.setPassword([]byte("secret"))
	cached := tx.cachedPassword
	tx.Clear()
	assert.Nil(t, tx.cachedPassword)
	assert.Equal(t, make([]byte, len(cached)), cached, "password bytes must be zeroed")

	tx.Pending = true
	assert.Error(t, tx.SetTransactionID([]byte("OTHER")))
	tx.Pending = false
	assert.NoError(t, tx.SetTransactionID([]byte("OTHER")))

	_, err = NewTransaction([]byte("bad_id"))
	assert.Error(t, err)
}

func TestBuildAttributes(t *testing.T) {
	tx, err := NewTransaction([]byte("ABCDE-FGHJK-LMNPQ"))
	require.NoError(t, err)

	attrs, err := BuildAttributes(tx, AttributeParams{MessageType: MessageTypePKCSReq, Initiator: true})
	require.NoError(t, err)
	assert.Len(t, tx.Nonce, DefaultNonceSize, "initiator generates a nonce")
	assert.Len(t, attrs, 3)

	nonce := append([]byte(nil), tx.Nonce...)
	attrs, err = BuildAttributes(tx, AttributeParams{MessageType: MessageTypeCertRep, Status: PKIStatusFailure, FailInfo: FailInfoBadTime})
	require.NoError(t, err)
	assert.Equal(t, nonce, tx.Nonce, "responder echoes the nonce")
	assert.Len(t, attrs, 5)
}
