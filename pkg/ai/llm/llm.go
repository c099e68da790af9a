// Package llm defines the response generator contract. Replies stream back
// as incremental text chunks so synthesis can begin before the model has
// finished thinking.
package llm

import (
	"context"

	"github.com/voiceloop/voiceloop/pkg/ai"
)

// LLM-specific error variables for provider implementations.
var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// MessageRole represents the role of a message in a chat conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    MessageRole
	Content string
}

// ChatRequest contains the conversation context for one reply: prior turns
// plus the new transcript, with the system prompt first.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Stream is one in-flight reply. Chunks are delivered strictly in
// generation order; the channel closes at end-of-stream. After the channel
// closes, Err reports whether the stream ended cleanly. Close cancels the
// stream; it is safe to call more than once and after the stream ended.
type Stream interface {
	Chunks() <-chan string
	Err() error
	Close()
}

// Capabilities describes the capabilities of an LLM provider.
type Capabilities struct {
	MaxTokens          int
	SupportedModels    []string
	SupportsSystemRole bool
}

// LLM is the main interface for response generator providers.
type LLM interface {
	// ChatStream begins generating a reply. The returned Stream is lazy,
	// finite and non-restartable; cancelling ctx or calling Close ends it.
	ChatStream(ctx context.Context, req ChatRequest) (Stream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
