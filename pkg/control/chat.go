package control

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// chatTimeout bounds how long SendChat waits for a terminal state event
// before settling for the best partial text.
const chatTimeout = 120 * time.Second

// SendChat sends one user message tagged with runID, accumulates streamed
// partial deltas, and returns the assistant text once the run reaches a
// terminal state. If the timeout elapses first, the accumulated partial
// text is returned instead.
func (c *Client) SendChat(ctx context.Context, runID, text string) (string, error) {
	var mu sync.Mutex
	var buf strings.Builder
	final := make(chan string, 1)

	offDelta := c.On(EventChatDelta, func(payload json.RawMessage) {
		var ev ChatDeltaEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.RunID != runID {
			return
		}
		mu.Lock()
		buf.WriteString(ev.Text)
		mu.Unlock()
	})
	defer offDelta()

	offState := c.On(EventChatState, func(payload json.RawMessage) {
		var ev ChatStateEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.RunID != runID {
			return
		}
		if !IsTerminalChatState(ev.State) {
			return
		}
		mu.Lock()
		full := buf.String()
		mu.Unlock()
		select {
		case final <- full:
		default:
		}
	})
	defer offState()

	if _, err := c.Request(ctx, MethodChatSend, ChatSendParams{RunID: runID, Text: text}); err != nil {
		return "", err
	}

	timer := time.NewTimer(c.chatTimeout)
	defer timer.Stop()

	select {
	case full := <-final:
		return full, nil
	case <-timer.C:
		mu.Lock()
		partial := buf.String()
		mu.Unlock()
		return partial, nil
	case <-c.done:
		return "", ErrConnectionClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// History fetches the most recent chat messages.
func (c *Client) History(ctx context.Context, limit int) ([]ChatMessage, error) {
	payload, err := c.Request(ctx, MethodChatHistory, ChatHistoryParams{Limit: limit})
	if err != nil {
		return nil, err
	}
	var res ChatHistoryResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}
