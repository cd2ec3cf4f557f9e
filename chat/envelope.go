package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// EnvelopeKind discriminates the inbound frame shapes.
type EnvelopeKind int

const (
	// KindBatch is a history listing, most recent message first.
	KindBatch EnvelopeKind = iota + 1
	// KindPush is a single-message notification for a followed thread.
	KindPush
	// KindAck is the backend echoing a message it just inserted.
	KindAck
	// KindFailure is an {"error": ...} reply.
	KindFailure
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindPush:
		return "push"
	case KindAck:
		return "ack"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Envelope is one decoded inbound frame.
type Envelope struct {
	Kind EnvelopeKind
	// Messages holds the messages in delivery order.
	Messages []Message
	// Failure is the backend's error text for KindFailure.
	Failure string
}

// RenderOrder returns the messages that should reach the renderer, in the
// order they should reach it. Batches arrive newest first and are emitted
// from the last element to the first; acks render nothing because the same
// message also arrives as a push.
func (e Envelope) RenderOrder() []Message {
	switch e.Kind {
	case KindPush:
		return e.Messages
	case KindBatch:
		out := slices.Clone(e.Messages)
		slices.Reverse(out)
		return out
	default:
		return nil
	}
}

// DecodeEnvelope parses a raw inbound frame. It fails closed: JSON that does
// not match a known shape yields ErrUnknownEnvelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if !json.Valid(data) {
		return Envelope{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	switch data[0] {
	case '[':
		return decodeSequence(data)
	case '{':
		return decodeObject(data)
	default:
		return Envelope{}, fmt.Errorf("%w: top-level %s", ErrUnknownEnvelope, jsonKind(data[0]))
	}
}

func decodeSequence(data []byte) (Envelope, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	fields := make([]map[string]json.RawMessage, len(elems))
	for i, elem := range elems {
		if err := json.Unmarshal(elem, &fields[i]); err != nil || fields[i] == nil {
			return Envelope{}, fmt.Errorf("%w: element %d is not an object", ErrUnknownEnvelope, i)
		}
	}

	if len(elems) == 1 {
		if _, tagged := fields[0]["ModelClass"]; tagged {
			return decodePush(elems[0])
		}
	}

	msgs := make([]Message, 0, len(elems))
	for i, elem := range elems {
		if _, tagged := fields[i]["ModelClass"]; tagged {
			return Envelope{}, fmt.Errorf("%w: event inside batch at %d", ErrUnknownEnvelope, i)
		}
		if _, ok := fields[i]["Body"]; !ok {
			return Envelope{}, fmt.Errorf("%w: batch element %d has no Body", ErrUnknownEnvelope, i)
		}
		var m Message
		if err := json.Unmarshal(elem, &m); err != nil {
			return Envelope{}, fmt.Errorf("%w: batch element %d: %w", ErrMalformedFrame, i, err)
		}
		msgs = append(msgs, m)
	}
	return Envelope{Kind: KindBatch, Messages: msgs}, nil
}

func decodePush(elem json.RawMessage) (Envelope, error) {
	var ev Event
	if err := json.Unmarshal(elem, &ev); err != nil {
		return Envelope{}, fmt.Errorf("%w: event: %w", ErrMalformedFrame, err)
	}
	if ev.ModelClass != ModelMessage {
		return Envelope{}, fmt.Errorf("%w: model class %q", ErrUnknownEnvelope, ev.ModelClass)
	}
	payload := bytes.TrimSpace(ev.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: push payload is not an object", ErrUnknownEnvelope)
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Envelope{}, fmt.Errorf("%w: push payload: %w", ErrMalformedFrame, err)
	}
	return Envelope{Kind: KindPush, Messages: []Message{m}}, nil
}

func decodeObject(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if raw, ok := fields["error"]; ok {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Envelope{}, fmt.Errorf("%w: error field: %w", ErrMalformedFrame, err)
		}
		return Envelope{Kind: KindFailure, Failure: text}, nil
	}
	_, hasThread := fields["ThreadId"]
	_, hasBody := fields["Body"]
	if !hasThread || !hasBody {
		return Envelope{}, fmt.Errorf("%w: object without error or message fields", ErrUnknownEnvelope)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("%w: ack: %w", ErrMalformedFrame, err)
	}
	return Envelope{Kind: KindAck, Messages: []Message{m}}, nil
}

func jsonKind(b byte) string {
	switch b {
	case '"':
		return "string"
	case 't', 'f':
		return "bool"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
