package wire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// MessageType discriminates the protocol envelope.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
)

// RequestKind is the closed enumeration of operations a client may invoke.
type RequestKind string

const (
	RequestPing                  RequestKind = "ping"
	RequestGetRealmInfo          RequestKind = "getRealmInfo"
	RequestListSchemas           RequestKind = "listSchemas"
	RequestGetSchema             RequestKind = "getSchema"
	RequestQueryDocuments        RequestKind = "queryDocuments"
	RequestGetDocument           RequestKind = "getDocument"
	RequestCountDocuments        RequestKind = "countDocuments"
	RequestCreateDocument        RequestKind = "createDocument"
	RequestUpdateDocument        RequestKind = "updateDocument"
	RequestDeleteDocument        RequestKind = "deleteDocument"
	RequestDeleteAllInCollection RequestKind = "deleteAllInCollection"
	RequestDeleteAllInDatabase   RequestKind = "deleteAllInDatabase"
	RequestSubscribe             RequestKind = "subscribe"
	RequestUnsubscribe           RequestKind = "unsubscribe"
)

var requestKinds = map[RequestKind]struct{}{
	RequestPing:                  {},
	RequestGetRealmInfo:          {},
	RequestListSchemas:           {},
	RequestGetSchema:             {},
	RequestQueryDocuments:        {},
	RequestGetDocument:           {},
	RequestCountDocuments:        {},
	RequestCreateDocument:        {},
	RequestUpdateDocument:        {},
	RequestDeleteDocument:        {},
	RequestDeleteAllInCollection: {},
	RequestDeleteAllInDatabase:   {},
	RequestSubscribe:             {},
	RequestUnsubscribe:           {},
}

// Valid reports whether k names a known operation.
func (k RequestKind) Valid() bool {
	_, ok := requestKinds[k]
	return ok
}

// Request is a client-originated operation. ID is opaque to the server and
// echoed verbatim in the matching response.
type Request struct {
	ID     string           `json:"id"`
	Type   RequestKind      `json:"type"`
	Params map[string]Value `json:"params,omitempty"`
}

// Param looks up a request parameter; a nil params map reports absent.
func (r *Request) Param(name string) (Value, bool) {
	if r.Params == nil {
		return Value{}, false
	}
	v, ok := r.Params[name]
	return v, ok
}

// Response answers exactly one Request. Exactly one of Data/Error carries
// meaning per Success.
type Response struct {
	ID        string  `json:"id"`
	Success   bool    `json:"success"`
	Data      *Value  `json:"data"`
	Error     *string `json:"error"`
	Timestamp string  `json:"timestamp"`
}

// ChangeSet is the diff delivered in a Notification. Insertions and
// modifications hold fully serialized documents at their new state;
// deletions hold stable identifiers of removed rows.
type ChangeSet struct {
	Insertions    []Value  `json:"insertions"`
	Modifications []Value  `json:"modifications"`
	Deletions     []string `json:"deletions"`
}

// Empty reports whether the change set carries no changes.
func (c ChangeSet) Empty() bool {
	return len(c.Insertions) == 0 && len(c.Modifications) == 0 && len(c.Deletions) == 0
}

// Notification carries one change set to the client owning a subscription.
type Notification struct {
	SubscriptionID string    `json:"subscriptionId"`
	TypeName       string    `json:"typeName"`
	Changes        ChangeSet `json:"changes"`
	Timestamp      string    `json:"timestamp"`
}

// Message is the tagged union carried by every frame.
type Message struct {
	Type         MessageType
	Request      *Request
	Response     *Response
	Notification *Notification
}

// NewRequestMessage wraps a request in its envelope.
func NewRequestMessage(req *Request) *Message {
	return &Message{Type: MessageTypeRequest, Request: req}
}

// NewResponseMessage wraps a response in its envelope.
func NewResponseMessage(resp *Response) *Message {
	return &Message{Type: MessageTypeResponse, Response: resp}
}

// NewNotificationMessage wraps a notification in its envelope.
func NewNotificationMessage(n *Notification) *Message {
	return &Message{Type: MessageTypeNotification, Notification: n}
}

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	var payload any
	switch m.Type {
	case MessageTypeRequest:
		payload = m.Request
	case MessageTypeResponse:
		payload = m.Response
	case MessageTypeNotification:
		payload = m.Notification
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Type, Payload: raw})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown envelope types and
// unknown request kinds are decode errors; unknown payload keys are ignored.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Type {
	case MessageTypeRequest:
		var req Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		if !req.Type.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownRequestKind, req.Type)
		}
		*m = Message{Type: env.Type, Request: &req}
	case MessageTypeResponse:
		var resp Response
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return err
		}
		*m = Message{Type: env.Type, Response: &resp}
	case MessageTypeNotification:
		var n Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return err
		}
		*m = Message{Type: env.Type, Notification: &n}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	return nil
}
