// Package envelope defines the routed message record and its JSON codec.
//
// An APIMessageBase is the unit of routed traffic: message_info describes the
// message, message_segment carries the opaque payload, and message_dim names
// the recipient. The routing layer only ever reads message_dim; everything
// else is passed through untouched, including fields this package does not
// know about.
package envelope

import "encoding/json"

// MessageDim is the routing dimensions of an envelope. It names the
// recipient, never the sender. Both fields must be non-empty for the
// envelope to be routable.
type MessageDim struct {
	APIKey   string `json:"api_key"`
	Platform string `json:"platform"`
}

// UserInfo describes a message sender.
type UserInfo struct {
	Platform     string `json:"platform,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	UserNickname string `json:"user_nickname,omitempty"`
	UserCardname string `json:"user_cardname,omitempty"`
}

// GroupInfo describes the group a message originated in.
type GroupInfo struct {
	Platform  string `json:"platform,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// FormatInfo describes the content formats a peer produces and accepts.
type FormatInfo struct {
	ContentFormat []string `json:"content_format,omitempty"`
	AcceptFormat  []string `json:"accept_format,omitempty"`
}

// MessageInfo is the descriptive metadata of an envelope. The routing layer
// does not inspect it. Unknown fields survive a decode/encode round trip.
type MessageInfo struct {
	Platform   string      `json:"platform"`
	MessageID  string      `json:"message_id"`
	Time       float64     `json:"time"`
	SenderInfo *UserInfo   `json:"sender_info,omitempty"`
	GroupInfo  *GroupInfo  `json:"group_info,omitempty"`
	FormatInfo *FormatInfo `json:"format_info,omitempty"`

	extra map[string]json.RawMessage
}

// Seg is the payload of an envelope: a typed tag plus opaque data. Data may
// be any JSON value, including a nested list of segments; the routing layer
// never looks inside.
type Seg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TextSeg builds a plain text segment.
func TextSeg(text string) Seg {
	data, _ := json.Marshal(text)
	return Seg{Type: "text", Data: data}
}

// SegList builds a segment whose data is a list of child segments.
func SegList(typ string, children []Seg) (Seg, error) {
	data, err := json.Marshal(children)
	if err != nil {
		return Seg{}, err
	}
	return Seg{Type: typ, Data: data}, nil
}

// APIMessageBase is the on-wire message record.
type APIMessageBase struct {
	MessageInfo    MessageInfo `json:"message_info"`
	MessageSegment Seg         `json:"message_segment"`
	MessageDim     MessageDim  `json:"message_dim"`

	extra map[string]json.RawMessage
}

// GetAPIKey returns the recipient api key from the routing dimensions.
func (m *APIMessageBase) GetAPIKey() string {
	return m.MessageDim.APIKey
}

// GetPlatform returns the recipient platform from the routing dimensions.
func (m *APIMessageBase) GetPlatform() string {
	return m.MessageDim.Platform
}

// IsRoutable reports whether both routing dimensions are non-empty.
func (m *APIMessageBase) IsRoutable() bool {
	return m.MessageDim.APIKey != "" && m.MessageDim.Platform != ""
}

// messageInfoKnown mirrors MessageInfo's known wire fields for decoding.
type messageInfoKnown struct {
	Platform   string      `json:"platform"`
	MessageID  string      `json:"message_id"`
	Time       float64     `json:"time"`
	SenderInfo *UserInfo   `json:"sender_info,omitempty"`
	GroupInfo  *GroupInfo  `json:"group_info,omitempty"`
	FormatInfo *FormatInfo `json:"format_info,omitempty"`
}

var messageInfoFields = map[string]bool{
	"platform": true, "message_id": true, "time": true,
	"sender_info": true, "group_info": true, "format_info": true,
}

func (mi *MessageInfo) UnmarshalJSON(data []byte) error {
	var known messageInfoKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*mi = MessageInfo{
		Platform:   known.Platform,
		MessageID:  known.MessageID,
		Time:       known.Time,
		SenderInfo: known.SenderInfo,
		GroupInfo:  known.GroupInfo,
		FormatInfo: known.FormatInfo,
	}
	for k, v := range raw {
		if !messageInfoFields[k] {
			if mi.extra == nil {
				mi.extra = make(map[string]json.RawMessage)
			}
			mi.extra[k] = v
		}
	}
	return nil
}

func (mi MessageInfo) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, 6+len(mi.extra))
	for k, v := range mi.extra {
		out[k] = v
	}
	known, err := json.Marshal(messageInfoKnown{
		Platform:   mi.Platform,
		MessageID:  mi.MessageID,
		Time:       mi.Time,
		SenderInfo: mi.SenderInfo,
		GroupInfo:  mi.GroupInfo,
		FormatInfo: mi.FormatInfo,
	})
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

var envelopeFields = map[string]bool{
	"message_info": true, "message_segment": true, "message_dim": true,
}

func (m *APIMessageBase) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = APIMessageBase{}
	if v, ok := raw["message_info"]; ok {
		if err := json.Unmarshal(v, &m.MessageInfo); err != nil {
			return err
		}
	}
	if v, ok := raw["message_segment"]; ok {
		if err := json.Unmarshal(v, &m.MessageSegment); err != nil {
			return err
		}
	}
	if v, ok := raw["message_dim"]; ok {
		if err := json.Unmarshal(v, &m.MessageDim); err != nil {
			return err
		}
	}
	for k, v := range raw {
		if !envelopeFields[k] {
			if m.extra == nil {
				m.extra = make(map[string]json.RawMessage)
			}
			m.extra[k] = v
		}
	}
	return nil
}

func (m APIMessageBase) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, 3+len(m.extra))
	for k, v := range m.extra {
		out[k] = v
	}
	info, err := json.Marshal(m.MessageInfo)
	if err != nil {
		return nil, err
	}
	seg, err := json.Marshal(m.MessageSegment)
	if err != nil {
		return nil, err
	}
	dim, err := json.Marshal(m.MessageDim)
	if err != nil {
		return nil, err
	}
	out["message_info"] = info
	out["message_segment"] = seg
	out["message_dim"] = dim
	return json.Marshal(out)
}
