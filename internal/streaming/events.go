// Package streaming carries one AI turn from the generator to live
// subscribers: chunk aggregation, event fan-out, and replay.
package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/kalviumcommunity/sumanize/internal/citations"
)

// Event is the closed set of payloads a delivery channel can carry. Only
// ChunkEvent, CompleteEvent, and ErrorEvent implement it, so consumers can
// switch exhaustively instead of probing a duck-typed map.
type Event interface {
	EventType() string
}

// ChunkEvent is one incremental text delta. ChunkIndex starts at 1 and is
// strictly increasing within a turn.
type ChunkEvent struct {
	Text       string `json:"text"`
	ChunkIndex int    `json:"chunkIndex"`
}

func (ChunkEvent) EventType() string { return "chunk" }

// CompleteEvent closes a turn with the processed content and its citations.
type CompleteEvent struct {
	Content      string               `json:"content"`
	Citations    []citations.Citation `json:"citations"`
	HasCitations bool                 `json:"hasCitations"`
	TotalChunks  int                  `json:"totalChunks"`
}

func (CompleteEvent) EventType() string { return "complete" }

// ErrorEvent reports a failed turn. Details is optional diagnostic text.
type ErrorEvent struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (ErrorEvent) EventType() string { return "error" }

// MarshalEvent produces the flat wire shape {"type": ..., ...fields}.
func MarshalEvent(ev Event) ([]byte, error) {
	switch v := ev.(type) {
	case ChunkEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			ChunkEvent
		}{"chunk", v})
	case CompleteEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			CompleteEvent
		}{"complete", v})
	case ErrorEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			ErrorEvent
		}{"error", v})
	default:
		return nil, fmt.Errorf("streaming: unknown event type %T", ev)
	}
}

// UnmarshalEvent is the inverse of MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("streaming: decode event: %w", err)
	}
	switch probe.Type {
	case "chunk":
		var ev ChunkEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "complete":
		var ev CompleteEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "error":
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("streaming: unknown event type %q", probe.Type)
	}
}

// Envelope frames an event for transport: delivery topic plus a per-topic
// sequence number clients use for last_event_id replay.
type Envelope struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Event json.RawMessage `json:"event"`
}

// Marshal returns JSON for SSE frames and logs.
func (e Envelope) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Topic builds the delivery key for a (user, chat) pair.
func Topic(userID, chatID string) string {
	return userID + ":" + chatID
}
