// Package control implements the client side of the control-channel wire
// protocol: one persistent websocket per session carrying request,
// response, and event envelopes as JSON text messages.
package control

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Envelope kinds.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Method names.
const (
	// MethodHandshake is the fixed handshake method; it must be the
	// first request on every session.
	MethodHandshake   = "handshake"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
)

// Event names pushed by the workload server.
const (
	// EventHello is the server greeting sent right after the socket
	// opens.
	EventHello = "hello"
	// EventReauth signals that the server wants the handshake again.
	EventReauth    = "reauth"
	EventChatDelta = "chat.delta"
	EventChatState = "chat.state"
)

// Protocol version bounds this client speaks.
const (
	ProtocolVersionMin = 1
	ProtocolVersionMax = 2
)

// Envelope is the single wire frame for all three message kinds.
type Envelope struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// HandshakeParams declares the protocol range, client identity, requested
// role/scopes, and the auth token.
type HandshakeParams struct {
	MinVersion int      `json:"min_version"`
	MaxVersion int      `json:"max_version"`
	Client     string   `json:"client"`
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes,omitempty"`
	Token      string   `json:"token"`
}

// HandshakeResult is the handshake success payload.
type HandshakeResult struct {
	SessionKey string `json:"session_key"`
}

// ChatSendParams is one user message tagged with a run id.
type ChatSendParams struct {
	RunID string `json:"run_id"`
	Text  string `json:"text"`
}

// ChatDeltaEvent is a streamed partial of assistant output.
type ChatDeltaEvent struct {
	RunID string `json:"run_id"`
	Text  string `json:"text"`
}

// ChatStateEvent reports the run's processing state.
type ChatStateEvent struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// ChatHistoryParams requests the most recent messages.
type ChatHistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// ChatMessage is one entry of the chat history.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ChatHistoryResult is the chat.history payload.
type ChatHistoryResult struct {
	Messages []ChatMessage `json:"messages"`
}

// IsTerminalChatState reports whether the state ends a run.
func IsTerminalChatState(state string) bool {
	switch state {
	case "idle", "completed", "failed":
		return true
	}
	return false
}

// LatestAssistantText returns the text of the most recent assistant
// message, or "" when there is none.
func LatestAssistantText(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Text
		}
	}
	return ""
}

// NewRunID returns a fresh correlation token for one user-initiated unit
// of work.
func NewRunID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}
