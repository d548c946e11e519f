package events

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		evt     ProcessingEvent
		wantErr error
	}{
		{"ok", ProcessingEvent{Type: TypeCompleted, UserID: "u1"}, nil},
		{"missing type", ProcessingEvent{UserID: "u1"}, ErrMissingType},
		{"missing user", ProcessingEvent{Type: TypeFailed}, ErrMissingUser},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestStampKeepsCallerTimestamp(t *testing.T) {
	t.Parallel()

	evt := ProcessingEvent{Type: TypeProgress, Timestamp: 42}
	stamped := evt.Stamp("u1", 1000)
	require.Equal(t, int64(42), stamped.Timestamp)
	require.Equal(t, "u1", stamped.UserID)
	require.Empty(t, evt.UserID, "stamp must not mutate the original")

	stamped = ProcessingEvent{Type: TypeProgress}.Stamp("u1", 1000)
	require.Equal(t, int64(1000), stamped.Timestamp)
}

func TestEncodeFieldOrderAndOmission(t *testing.T) {
	t.Parallel()

	data, err := Encode(ProcessingEvent{
		Type:      TypeCompleted,
		UserID:    "u1",
		AssetType: AssetPhoto,
		AssetID:   "p1",
		Timestamp: 1700000000000,
	})
	require.NoError(t, err)
	require.Equal(t,
		`{"type":"completed","userId":"u1","assetType":"photo","assetId":"p1","timestamp":1700000000000}`,
		string(data),
	)
}

func TestEncodeMergesExtraFields(t *testing.T) {
	t.Parallel()

	progress := 0.5
	data, err := Encode(ProcessingEvent{
		Type:      TypeProgress,
		UserID:    "u1",
		Progress:  &progress,
		Timestamp: 7,
		Extra: map[string]any{
			"pages": 3,
			"type":  "ignored",
			"batch": "b-1",
		},
	})
	require.NoError(t, err)
	require.Equal(t,
		`{"type":"progress","userId":"u1","progress":0.5,"timestamp":7,"batch":"b-1","pages":3}`,
		string(data),
	)
}

func TestUnmarshalCollectsExtraFields(t *testing.T) {
	t.Parallel()

	var evt ProcessingEvent
	err := json.Unmarshal(
		[]byte(`{"type":"failed","assetType":"document","assetId":"d1","error":"x","attempt":2}`),
		&evt,
	)
	require.NoError(t, err)
	require.Equal(t, TypeFailed, evt.Type)
	require.Equal(t, AssetDocument, evt.AssetType)
	require.Equal(t, "x", evt.Error)
	require.Equal(t, map[string]any{"attempt": float64(2)}, evt.Extra)
}

func TestControlEvents(t *testing.T) {
	t.Parallel()

	data, err := Encode(Connected("u9", 5))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"connected","timestamp":5,"userId":"u9"}`, string(data))

	data, err = Encode(Ping(6))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ping","timestamp":6}`, string(data))
}
