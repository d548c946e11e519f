package events

import "fmt"

var (
	framePrefix = []byte("data: ")
	frameSuffix = []byte("\n\n")
)

// Frame wraps an encoded event in a text/event-stream data frame.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(framePrefix)+len(payload)+len(frameSuffix))
	out = append(out, framePrefix...)
	out = append(out, payload...)
	return append(out, frameSuffix...)
}

// EncodeFrame encodes evt and wraps it in a data frame.
func EncodeFrame(evt ProcessingEvent) ([]byte, error) {
	payload, err := Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return Frame(payload), nil
}
