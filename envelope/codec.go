package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize bounds a single wire frame (10MB).
const MaxFrameSize = 10 * 1024 * 1024

// Kind classifies a decoded wire frame.
type Kind int

const (
	// KindStandard is a routed envelope: the frame carries a top-level
	// message_dim field.
	KindStandard Kind = iota + 1
	// KindCustom is a non-envelope frame: a top-level type tag without
	// message_dim.
	KindCustom
)

// CustomMessage is a non-envelope frame dispatched by its type tag.
type CustomMessage struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TargetUser     string          `json:"target_user,omitempty"`
	TargetPlatform string          `json:"target_platform,omitempty"`
}

// Encode serializes an envelope into a single JSON wire frame.
func Encode(m *APIMessageBase) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), MaxFrameSize)
	}
	return data, nil
}

// Decode parses a JSON wire frame into an envelope.
func Decode(data []byte) (*APIMessageBase, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), MaxFrameSize)
	}
	var m APIMessageBase
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeCustom serializes a custom message into a single JSON wire frame.
func EncodeCustom(c *CustomMessage) ([]byte, error) {
	if c.Type == "" {
		return nil, errors.New("custom message type is empty")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), MaxFrameSize)
	}
	return data, nil
}

// DecodeCustom parses a JSON wire frame into a custom message.
func DecodeCustom(data []byte) (*CustomMessage, error) {
	var c CustomMessage
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Type == "" {
		return nil, errors.New("custom message type is empty")
	}
	return &c, nil
}

// Classify inspects a wire frame and reports its shape: presence of a
// top-level message_dim makes it standard; otherwise a top-level type tag
// makes it custom. Anything else is malformed.
func Classify(frame []byte) (Kind, error) {
	if len(frame) > MaxFrameSize {
		return 0, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(frame), MaxFrameSize)
	}
	var probe struct {
		MessageDim json.RawMessage `json:"message_dim"`
		Type       string          `json:"type"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return 0, err
	}
	if len(probe.MessageDim) > 0 && string(probe.MessageDim) != "null" {
		return KindStandard, nil
	}
	if probe.Type != "" {
		return KindCustom, nil
	}
	return 0, errors.New("frame is neither a standard envelope nor a custom message")
}
