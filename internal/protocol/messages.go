// Package protocol defines the WebSocket message types and structures used for
// communication between the chat client and server. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeChatMessage    = "chat-message"
	TypeRecall         = "recall"
	TypeHeartbeat      = "heartbeat"
	TypeGetHistory     = "getHistory"
	TypeGetOnlineCount = "getOnlineCount"
)

// Server -> Client message types. TypeChatMessage, TypeRecall and
// TypeHeartbeat are shared with the client direction.
const (
	TypeInit          = "init"
	TypeSystemMessage = "message"
	TypeOnline        = "online"
	TypeHistory       = "history"
	TypeError         = "error"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatMessageMsg is sent by the client to post a public chat message.
// Nickname and Avatar are optional; the server falls back to the presence
// data seeded at connect time. IPSource lets clients that already know
// their location (from the content site) pass it along.
type ChatMessageMsg struct {
	Type     string `json:"type"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Content  string `json:"content"`
	IPSource string `json:"ipSource"`
}

// RecallMsg is sent by the client to recall (delete) a previously sent
// message. The server broadcasts the same type when a recall succeeds.
type RecallMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// HeartbeatMsg is a client keepalive. The server answers with the same type.
type HeartbeatMsg struct {
	Type string `json:"type"`
}

// GetHistoryMsg requests recent chat history. Limit is optional; the server
// caps it at its configured maximum.
type GetHistoryMsg struct {
	Type  string `json:"type"`
	Limit int    `json:"limit"`
}

// GetOnlineCountMsg requests the current online connection count.
type GetOnlineCountMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// InitMsg is sent to a connection right after it is registered, carrying the
// identity the server resolved for it.
type InitMsg struct {
	Type      string `json:"type"`
	IP        string `json:"ip"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl"`
}

// SystemMsg is a server-originated notice (welcome text, moderation notices).
type SystemMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ServerChatMsg is a moderated, persisted chat message broadcast to all
// connections. SenderConnID lets the sender's UI reconcile its optimistic echo.
type ServerChatMsg struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	Nickname     string `json:"nickname"`
	Avatar       string `json:"avatar"`
	Content      string `json:"content"`
	Time         int64  `json:"time"`
	SenderConnID string `json:"senderConnId"`
}

// OnlineMsg carries the current online connection count.
type OnlineMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// HistoryEntry is one persisted message in a history response.
type HistoryEntry struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Content  string `json:"content"`
	Time     int64  `json:"time"`
}

// HistoryMsg carries recent chat history, ordered oldest first.
type HistoryMsg struct {
	Type     string         `json:"type"`
	Messages []HistoryEntry `json:"messages"`
}

// ErrorMsg is sent by the server to communicate an error condition to a
// single requester. Message is always a display-safe string.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRecall:
		var m RecallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetHistory:
		var m GetHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetOnlineCount:
		var m GetOnlineCountMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
