// Package bot connects the control plane to a chat gateway over a persistent
// WebSocket. The Transport owns the connection and the API-call plumbing; the
// Dispatcher turns at-mention group messages into commands against the rest
// of the server.
package bot

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID is a chat identifier (user, group, self). Gateways disagree on whether
// ids are JSON numbers or strings, so it decodes both and renders back as the
// canonical decimal string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	// Numeric form. Decoding through json.Number keeps 64-bit ids exact.
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// param renders the id for an outbound API call: numeric when possible,
// string otherwise.
func (id ID) param() any {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return n
	}
	return string(id)
}

// Sender is the message author block of a group message event.
type Sender struct {
	Card     string `json:"card"`     // group-specific display name
	Nickname string `json:"nickname"` // account-wide name
}

// Name returns the best display name for the sender.
func (s Sender) Name() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

// SegmentData carries the payload fields of the segment kinds this server
// touches. Unknown segment kinds decode to a zero value and pass through.
type SegmentData struct {
	QQ   ID     `json:"qq,omitempty"`   // at: the mentioned id
	Text string `json:"text,omitempty"` // text: literal content
}

// Segment is one element of a gateway message.
type Segment struct {
	Type string      `json:"type"`
	Data SegmentData `json:"data"`
}

func atSegment(id ID) Segment {
	return Segment{Type: "at", Data: SegmentData{QQ: id}}
}

func textSegment(text string) Segment {
	return Segment{Type: "text", Data: SegmentData{Text: text}}
}

// Event is an inbound gateway event frame. Only the fields the dispatcher
// consumes are decoded; everything else is ignored.
type Event struct {
	PostType      string    `json:"post_type"`
	MessageType   string    `json:"message_type"`
	MetaEventType string    `json:"meta_event_type"`
	SelfID        ID        `json:"self_id"`
	GroupID       ID        `json:"group_id"`
	UserID        ID        `json:"user_id"`
	Sender        Sender    `json:"sender"`
	Message       []Segment `json:"message"`
}

// IsGroupMessage reports whether the event is a group chat message.
func (e *Event) IsGroupMessage() bool {
	return e.PostType == "message" && e.MessageType == "group"
}

// apiCall is an outbound gateway API request frame.
type apiCall struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// apiResponse is the gateway's answer to an apiCall, matched by echo.
type apiResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}
