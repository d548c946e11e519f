package transport

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrMalformedEnvelope is returned when a backend message is not an envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope wraps a serialized event with the instance ID of the publishing process.
type Envelope struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// EncodeEnvelope wraps an already serialized event.
func EncodeEnvelope(origin string, event []byte) ([]byte, error) {
	data, err := json.Marshal(Envelope{Origin: origin, Event: event})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a backend message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if env.Origin == "" || len(env.Event) == 0 {
		return Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}
