package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	event := []byte(`{"type":"completed","userId":"u1","timestamp":1}`)
	data, err := EncodeEnvelope("instance-a", event)
	require.NoError(t, err)
	require.JSONEq(t, `{"origin":"instance-a","event":{"type":"completed","userId":"u1","timestamp":1}}`, string(data))

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, "instance-a", env.Origin)
	require.JSONEq(t, string(event), string(env.Event))
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`not json`, `{"event":{"type":"x"}}`, `{"origin":"a"}`, `{"type":"completed"}`} {
		_, err := DecodeEnvelope([]byte(raw))
		require.ErrorIs(t, err, ErrMalformedEnvelope, raw)
	}
}
