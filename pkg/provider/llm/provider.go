// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g. OpenAI, Anthropic or
// a local Ollama instance) and exposes the single request/response call the
// call orchestrator needs to produce one conversational turn.
//
// Implementors must be safe for concurrent use and must honour the context
// deadline: every call made on behalf of a live phone call carries a per-turn
// timeout, and a provider that ignores it stalls the caller.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry of the conversation history sent to the model.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the plain-text body of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a reply.
// Messages must be non-empty; by convention index 0 is the system prompt.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// Temperature controls output randomness. Zero requests the provider
	// default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default. Phone replies should be short; callers typically set this.
	MaxTokens int
}

// CompletionResponse is returned by [Provider.Complete].
type CompletionResponse struct {
	// Content is the full text of the assistant's reply, cleaned up for
	// speech with [Speakable].
	Content string

	// Truncated reports that the model stopped at the token limit.
	Truncated bool

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	//
	// Returns an error if the request fails, the model returns no choices, or
	// ctx is done before the reply arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
