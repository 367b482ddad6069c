package particle_test

import (
	"testing"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/gonox/internal/particle"
	"github.com/fluencelabs/gonox/internal/peerid"
)

func signedParticle(t *testing.T, now time.Time, ttl uint32) particle.Particle {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	require.NoError(t, err)

	p := particle.Particle{
		ID:          "p1",
		TimestampMs: uint64(now.UnixMilli()),
		TTLMs:       ttl,
		Script:      []byte("(null)"),
	}
	signed, err := particle.Sign(p, priv)
	require.NoError(t, err)
	return signed
}

func TestValidateAcceptsFreshSignedParticle(t *testing.T) {
	now := time.Now()
	p := signedParticle(t, now, 60_000)
	require.NoError(t, particle.Validate(p, now))
}

func TestValidateRejectsExpiredParticle(t *testing.T) {
	now := time.Now()
	p := signedParticle(t, now.Add(-2*time.Minute), 1000)
	require.ErrorIs(t, particle.Validate(p, now), particle.ErrExpired)
}

func TestValidateRejectsTamperedScript(t *testing.T) {
	now := time.Now()
	p := signedParticle(t, now, 60_000)
	p.Script = []byte("(tampered)")
	require.ErrorIs(t, particle.Validate(p, now), particle.ErrSignatureInvalid)
}

func TestNewContactRejectsEmptyAddresses(t *testing.T) {
	_, err := particle.NewContact(peerid.ID{}, nil)
	require.ErrorIs(t, err, particle.ErrNoAddresses)
}

func TestContactHasAddress(t *testing.T) {
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)
	c, err := particle.NewContact(peerid.ID{}, []ma.Multiaddr{addr})
	require.NoError(t, err)
	require.True(t, c.HasAddress(addr))

	other, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4002")
	require.NoError(t, err)
	require.False(t, c.HasAddress(other))
}
