package transport

import (
	"context"
	"testing"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopback_Exchange(t *testing.T) {
	lb := NewLoopback()
	ctx := context.Background()

	go func() {
		conn := lb.Server()
		for {
			req, err := conn.Receive(ctx)
			if err != nil {
				return
			}
			_ = conn.Send(ctx, &interfaces.TransportResponse{Status: 200, Body: append([]byte("echo:"), req.Body...)})
		}
	}()

	resp, err := lb.Client().Exchange(ctx, &interfaces.TransportRequest{Method: "POST", Body: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(resp.Body))

	lb.Close()
	_, err = lb.Client().Exchange(ctx, &interfaces.TransportRequest{Method: "POST"})
	assert.ErrorIs(t, err, interfaces.ErrNoData)
}

func TestLoopback_SendWithoutRequest(t *testing.T) {
	lb := NewLoopback()
	err := lb.Server().Send(context.Background(), &interfaces.TransportResponse{Status: 200})
	assert.Error(t, err)
}

func TestLoopback_ResponseBeforeClose(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		lb := NewLoopback()
		go func() {
			conn := lb.Server()
			if _, err := conn.Receive(ctx); err != nil {
				return
			}
			_ = conn.Send(ctx, &interfaces.TransportResponse{Status: 200, Body: []byte("last")})
			lb.Close()
		}()

		resp, err := lb.Client().Exchange(ctx, &interfaces.TransportRequest{Method: "POST"})
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, "last", string(resp.Body))
	}
}
