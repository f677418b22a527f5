package scep

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/metrics"
)

// errorResponse reports err to the client. Once the transaction ID, nonce
// and client certificate are known the reply is a signed CertRep failure,
// otherwise a bare HTTP error.
func (e *ServerEngine) errorResponse(ctx context.Context, tx *TransactionState, ca *cryptoutils.KeyMaterial, err error) *interfaces.TransportResponse {
	failInfo := FailInfoForError(err)
	e.log.Warn("SCEP request failed",
		"err", err,
		"transactionID", string(tx.TransactionID),
		"failInfo", failInfo.String(),
	)

	if len(tx.TransactionID) == 0 || len(tx.Nonce) == 0 || tx.Ephemeral == nil || ca == nil {
		return e.transportError(ctx, err)
	}

	e.dither(ctx)
	resp, serr := e.signedReply(tx, ca, nil, AttributeParams{
		MessageType: MessageTypeCertRep,
		Status:      PKIStatusFailure,
		FailInfo:    failInfo,
	})
	if serr != nil {
		e.log.Error("Couldn't sign failure response", "err", serr)
		return transportErrorResponse(err)
	}
	return resp
}

// transportError is the reply used when no signed reply can be built.
func (e *ServerEngine) transportError(ctx context.Context, err error) *interfaces.TransportResponse {
	e.dither(ctx)
	return transportErrorResponse(err)
}

func transportErrorResponse(err error) *interfaces.TransportResponse {
	status := interfaces.KindOf(err).HTTPStatus()
	metrics.IncSCEPResponse(strconv.Itoa(status))
	return &interfaces.TransportResponse{
		Status:      status,
		ContentType: ContentTypeText,
		Body:        []byte(interfaces.MessageOf(err) + "\n"),
	}
}

// dither sleeps for a random time below ErrorDelay.
func (e *ServerEngine) dither(ctx context.Context) {
	if e.cfg.ErrorDelay <= 0 {
		return
	}
	d := time.Duration(rand.Int64N(int64(e.cfg.ErrorDelay)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
