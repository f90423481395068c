package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version stamped on outgoing headers.
const ProtocolVersion = "5.3"

// DefaultUsername is used in headers when no username is supplied.
const DefaultUsername = "nbkernel"

// dateLayout matches the ISO 8601 form kernels emit.
const dateLayout = "2006-01-02T15:04:05.000000Z07:00"

// Message types used by the launch core.
const (
	TypeKernelInfoRequest = "kernel_info_request"
	TypeKernelInfoReply   = "kernel_info_reply"
	TypeStatus            = "status"
	TypeShutdownRequest   = "shutdown_request"
	TypeShutdownReply     = "shutdown_reply"
)

// Header identifies a message.
type Header struct {
	ID       string `json:"msg_id"`
	Type     string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	// Date is kept as the raw string because kernels are inconsistent about
	// timezone suffixes.
	Date    string `json:"date"`
	Version string `json:"version"`
}

// Time parses Date. It returns the zero time if Date is empty or malformed.
func (h Header) Time() time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, h.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Message is a single protocol message. Messages are treated as immutable
// once constructed; builders return new values.
type Message struct {
	// Identities are routing prefixes preceding the delimiter. Replies from
	// a DEALER socket carry none; iopub messages carry the topic.
	Identities [][]byte

	Header Header

	// ParentHeader is nil for messages that do not answer a request.
	ParentHeader *Header

	Metadata map[string]any

	// Content is the raw JSON payload.
	Content json.RawMessage

	Buffers [][]byte

	// Channel records which channel the message arrived on. It is not part
	// of the wire form.
	Channel Channel
}

// New builds a message with a fresh id for the given session.
func New(msgType, session string, content any) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}
	return &Message{
		Header:   newHeader(msgType, session),
		Metadata: map[string]any{},
		Content:  raw,
	}, nil
}

// NewReply builds a message answering parent. The reply shares the parent's
// session and references its header.
func NewReply(parent *Message, msgType string, content any) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}
	ph := parent.Header
	return &Message{
		Header:       newHeader(msgType, parent.Header.Session),
		ParentHeader: &ph,
		Metadata:     map[string]any{},
		Content:      raw,
	}, nil
}

// ID returns the message id.
func (m *Message) ID() string {
	return m.Header.ID
}

// Type returns the message type.
func (m *Message) Type() string {
	return m.Header.Type
}

// ParentID returns the id of the request this message answers, or "".
func (m *Message) ParentID() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.ID
}

// IsChildOf reports whether m answers the message with the given id.
func (m *Message) IsChildOf(id string) bool {
	return id != "" && m.ParentID() == id
}

func newHeader(msgType, session string) Header {
	return Header{
		ID:       uuid.NewString(),
		Type:     msgType,
		Session:  session,
		Username: DefaultUsername,
		Date:     time.Now().UTC().Format(dateLayout),
		Version:  ProtocolVersion,
	}
}

func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return c, nil
	case []byte:
		return json.RawMessage(c), nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return raw, nil
}
