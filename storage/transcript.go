// Package storage keeps the visible chat transcript of research sessions.
//
// Information Hiding:
// - Storage backend implementation details hidden behind interface
// - Message ordering and session bookkeeping encapsulated per backend
// - Holds only what the user saw; run state lives in the checkpointer

package storage

import (
	"context"
	"errors"

	"github.com/Synthenova/conthunt-sub001/llm"
)

// ErrNoSession is returned when a transcript operation has no session id.
var ErrNoSession = errors.New("session id is required")

// TranscriptStore stores the user and assistant turns of a session.
type TranscriptStore interface {
	// Append adds messages after the last stored message of a session.
	Append(ctx context.Context, sessionID string, messages ...llm.ChatMessage) error

	// Load returns up to limit of the most recent messages, oldest first.
	// A limit <= 0 returns the whole transcript. Missing sessions yield an empty slice.
	Load(ctx context.Context, sessionID string, limit int) ([]llm.ChatMessage, error)

	// Delete removes a session and its messages.
	Delete(ctx context.Context, sessionID string) error

	// ListSessions lists session ids, most recently updated first.
	ListSessions(ctx context.Context) ([]string, error)

	// Exists reports whether a session has a transcript.
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// Turn returns the user message and the assistant reply of one exchange.
func Turn(user, reply string) []llm.ChatMessage {
	return []llm.ChatMessage{llm.UserMessage(user), llm.AssistantMessage(reply)}
}

func tail(messages []llm.ChatMessage, limit int) []llm.ChatMessage {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]llm.ChatMessage, len(messages))
	copy(out, messages)
	return out
}
