package chat

import (
	"encoding/json"
	"strconv"
)

// Wire model names and actions understood by the backend.
const (
	ModelThread  = "thread"
	ModelMessage = "message"

	ActionList   = "list"
	ActionInsert = "insert"
)

// DefaultFollowLimit is the history size requested when following a thread.
const DefaultFollowLimit = 100

// followRequest asks for the recent history of a thread and subscribes to
// new messages in it.
type followRequest struct {
	Model    string `json:"model"`
	Action   string `json:"action"`
	Follow   bool   `json:"follow"`
	Limit    int    `json:"limit"`
	ThreadID string `json:"thread_id"`
}

// legacyFollowRequest is the same request with every value as a string, which
// is what servers decoding the header into map[string]string accept.
type legacyFollowRequest struct {
	Model    string `json:"model"`
	Action   string `json:"action"`
	Follow   string `json:"follow"`
	Limit    string `json:"limit"`
	ThreadID string `json:"thread_id"`
}

func encodeFollow(threadID string, limit int, stringParams bool) ([]byte, error) {
	if stringParams {
		return json.Marshal(legacyFollowRequest{
			Model:    ModelThread,
			Action:   ActionList,
			Follow:   "true",
			Limit:    strconv.Itoa(limit),
			ThreadID: threadID,
		})
	}
	return json.Marshal(followRequest{
		Model:    ModelThread,
		Action:   ActionList,
		Follow:   true,
		Limit:    limit,
		ThreadID: threadID,
	})
}

// insertHeader precedes the message frame of an insert.
type insertHeader struct {
	Model  string `json:"model"`
	Action string `json:"action"`
}

// insertPayload is the message frame of an insert. Server-assigned fields
// (Id, CreatedAt, Index) are left out.
type insertPayload struct {
	ThreadID        string          `json:"ThreadId"`
	SenderMailboxID string          `json:"SenderMailboxId"`
	Body            string          `json:"Body"`
	Labels          Labels          `json:"Labels"`
	Payload         json.RawMessage `json:"Payload"`
}

var emptyPayload = json.RawMessage(`{}`)

func encodeInsert(threadID, mailboxID, body string, labels Labels) (header, payload []byte, err error) {
	header, err = json.Marshal(insertHeader{Model: ModelMessage, Action: ActionInsert})
	if err != nil {
		return nil, nil, err
	}
	if labels == nil {
		labels = Labels{}
	}
	payload, err = json.Marshal(insertPayload{
		ThreadID:        threadID,
		SenderMailboxID: mailboxID,
		Body:            body,
		Labels:          labels,
		Payload:         emptyPayload,
	})
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

// Event is a change notification pushed to followers of a thread.
type Event struct {
	ModelClass string          `json:"ModelClass"`
	Action     string          `json:"Action,omitempty"`
	ObjectID   string          `json:"ObjectId,omitempty"`
	Payload    json.RawMessage `json:"Payload"`
}
