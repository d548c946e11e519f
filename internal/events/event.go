package events

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Type discriminates the payload carried by an event.
type Type string

// Known event types. Workers may publish other types; only an empty type is rejected.
const (
	TypeQueued    Type = "queued"
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeConnected Type = "connected"
	TypePing      Type = "ping"
)

// AssetType names the kind of object an event concerns.
type AssetType string

// Asset kinds produced by the background workers.
const (
	AssetPhoto    AssetType = "photo"
	AssetDocument AssetType = "document"
	AssetNote     AssetType = "note"
	AssetTask     AssetType = "task"
)

// ErrMissingType is returned when an event has no discriminant.
var ErrMissingType = errors.New("event type is required")

// ErrMissingUser is returned when an event is not routed to any user.
var ErrMissingUser = errors.New("event user id is required")

// ProcessingEvent is a lifecycle notification for one user's asset.
type ProcessingEvent struct {
	// Type is the discriminant (queued, started, progress, ...).
	Type Type `json:"type"`
	// UserID routes the event to exactly one user's channel.
	UserID string `json:"userId,omitempty"`
	// AssetType and AssetID identify the object the event concerns.
	AssetType AssetType `json:"assetType,omitempty"`
	AssetID   string    `json:"assetId,omitempty"`
	// Status, Stage, Progress and Error are present depending on Type.
	Status   string   `json:"status,omitempty"`
	Stage    string   `json:"stage,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Error    string   `json:"error,omitempty"`
	// Timestamp is Unix milliseconds; zero means "stamp at publish time".
	Timestamp int64 `json:"timestamp,omitempty"`
	// Extra carries caller-defined fields merged into the top-level JSON object.
	// Keys that collide with the fields above are ignored.
	Extra map[string]any `json:"-"`
}

var reservedKeys = map[string]struct{}{
	"type":      {},
	"userId":    {},
	"assetType": {},
	"assetId":   {},
	"status":    {},
	"stage":     {},
	"progress":  {},
	"error":     {},
	"timestamp": {},
}

// Validate performs coarse validation before an event is published.
func (e ProcessingEvent) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	if e.UserID == "" {
		return ErrMissingUser
	}
	return nil
}

// Stamp returns a copy routed to userID with a timestamp assigned when absent.
func (e ProcessingEvent) Stamp(userID string, nowMillis int64) ProcessingEvent {
	e.UserID = userID
	if e.Timestamp == 0 {
		e.Timestamp = nowMillis
	}
	return e
}

// Connected builds the acknowledgement written first on every stream.
func Connected(userID string, nowMillis int64) ProcessingEvent {
	return ProcessingEvent{Type: TypeConnected, UserID: userID, Timestamp: nowMillis}
}

// Ping builds a heartbeat event.
func Ping(nowMillis int64) ProcessingEvent {
	return ProcessingEvent{Type: TypePing, Timestamp: nowMillis}
}

type plainEvent ProcessingEvent

// MarshalJSON encodes the fixed fields in declaration order followed by Extra
// keys in sorted order.
func (e ProcessingEvent) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(plainEvent(e))
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	extra := make(map[string]any, len(e.Extra))
	for k, v := range e.Extra {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return base, nil
	}
	tail, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("marshal event extra fields: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(base) + len(tail))
	buf.Write(base[:len(base)-1])
	buf.WriteByte(',')
	buf.Write(tail[1:])
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the fixed fields and collects everything else into Extra.
func (e *ProcessingEvent) UnmarshalJSON(data []byte) error {
	var plain plainEvent
	if err := json.Unmarshal(data, &plain); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("unmarshal event fields: %w", err)
	}
	for k, raw := range all {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("unmarshal event field %q: %w", k, err)
		}
		if plain.Extra == nil {
			plain.Extra = make(map[string]any)
		}
		plain.Extra[k] = v
	}
	*e = ProcessingEvent(plain)
	return nil
}

// Encode serializes the event once for every consumer.
func Encode(evt ProcessingEvent) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}
