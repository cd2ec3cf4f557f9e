package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Label keys the hearst web widget attaches to outgoing messages.
const (
	LabelSenderName       = "SenderFacebookName"
	LabelSenderExternalID = "SenderFacebookId"
)

// Message is one chat message as exchanged with the backend.
type Message struct {
	ID              string          `json:"Id,omitempty"`
	ThreadID        string          `json:"ThreadId"`
	SenderMailboxID string          `json:"SenderMailboxId"`
	CreatedAt       Timestamp       `json:"CreatedAt"`
	Topic           string          `json:"Topic,omitempty"`
	Body            string          `json:"Body"`
	Labels          Labels          `json:"Labels"`
	Payload         json.RawMessage `json:"Payload,omitempty"`
	Index           int64           `json:"Index,omitempty"`
}

// Label returns the label value for key, or "" when absent.
func (m Message) Label(key string) string {
	return m.Labels[key]
}

// Labels are optional descriptive annotations on a message.
type Labels map[string]string

// UnmarshalJSON drops null values, which the backend stores for labels that
// were never resolved (e.g. an external id before login).
func (l *Labels) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var raw map[string]*string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Labels, len(raw))
	for k, v := range raw {
		if v != nil {
			out[k] = *v
		}
	}
	*l = out
	return nil
}

// Merge returns a new Labels with over applied on top of l.
func (l Labels) Merge(over Labels) Labels {
	out := make(Labels, len(l)+len(over))
	maps.Copy(out, l)
	maps.Copy(out, over)
	return out
}

// Timestamp is a creation time that decodes RFC 3339 strings as well as
// epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte(`""`)):
		t.Time = time.Time{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	default:
		ms, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("parse timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(int64(ms))
		return nil
	}
}
