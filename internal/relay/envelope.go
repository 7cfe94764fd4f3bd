package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"relaycast/internal/event"
)

var errBadFrame = errors.New("relay: malformed frame")

// encodeEvent builds the ["EVENT", <event>] client frame.
func encodeEvent(e event.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{"EVENT", e}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// frame is a decoded relay message. Only the fields used by the pool are kept.
type frame struct {
	Label    string
	EventID  string
	Accepted bool
	Message  string
}

func decodeFrame(data []byte) (frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if len(raw) == 0 {
		return frame{}, errBadFrame
	}
	var f frame
	if err := json.Unmarshal(raw[0], &f.Label); err != nil {
		return frame{}, fmt.Errorf("%w: label: %v", errBadFrame, err)
	}
	switch f.Label {
	case "OK":
		if len(raw) < 3 {
			return frame{}, fmt.Errorf("%w: short OK", errBadFrame)
		}
		if err := json.Unmarshal(raw[1], &f.EventID); err != nil {
			return frame{}, fmt.Errorf("%w: OK id: %v", errBadFrame, err)
		}
		if err := json.Unmarshal(raw[2], &f.Accepted); err != nil {
			return frame{}, fmt.Errorf("%w: OK flag: %v", errBadFrame, err)
		}
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &f.Message)
		}
	case "NOTICE":
		if len(raw) > 1 {
			_ = json.Unmarshal(raw[1], &f.Message)
		}
	}
	return f, nil
}
