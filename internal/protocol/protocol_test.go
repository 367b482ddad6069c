package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/gonox/internal/protocol"
)

func TestEncodeDecodeParticleRoundTrip(t *testing.T) {
	raw, err := protocol.EncodeParticle(protocol.WireParticle{
		ID:          "p1",
		InitPeerID:  "12D3KooWExample",
		TimestampMs: 123,
		TTLMs:       456,
		Script:      "(null)",
		Signature:   []byte{1, 2, 3},
	})
	require.NoError(t, err)

	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.ActionParticle, env.Action)

	wire, err := env.DecodeParticle()
	require.NoError(t, err)
	require.Equal(t, "p1", wire.ID)
	require.Equal(t, uint64(123), wire.TimestampMs)
	require.Equal(t, uint32(456), wire.TTLMs)
}

func TestDecodeUnknownActionRejected(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"action":"Bogus"}`))
	require.ErrorIs(t, err, protocol.ErrUnknownAction)
}

func TestDecodeMalformedEnvelopeFails(t *testing.T) {
	_, err := protocol.Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestEncodeInboundUpgradeErrorCarriesMessage(t *testing.T) {
	raw, err := protocol.EncodeInboundUpgradeError(protocol.ErrUnknownAction)
	require.NoError(t, err)

	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.ActionInboundUpgradeError, env.Action)
	require.Equal(t, protocol.ErrUnknownAction.Error(), env.Error)
}
