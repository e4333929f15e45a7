// Package provider defines the Provider interface and the chat-completion
// vendor adapters (Anthropic, OpenAI, Google).
//
// Every vendor implements the Provider interface. The dispatcher works with
// the unified types in this file, so it never needs to know which vendor is
// actually answering a request.
package provider

import (
	"context"
	"net/http"
	"time"
)

// Provider is the interface that every chat-completion vendor must satisfy.
// Go interfaces are implicit: any struct with these methods implements
// Provider, no "implements" keyword needed.
type Provider interface {
	// Name returns the vendor identifier, e.g. "anthropic" or "openai".
	// Used for logging and metrics labels.
	Name() string

	// ChatCompletion sends one request and returns the complete response.
	//
	// Adapters never retry. Every failure comes back as a *Error so the
	// caller can decide whether to try the next provider.
	//
	// The context carries cancellation: if the client disconnects, ctx is
	// cancelled and the adapter stops waiting on the upstream API.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ---------------------------------------------------------------------------
// Unified request / response types
// ---------------------------------------------------------------------------

// ChatRequest is the internal representation of a chat completion request.
// Adapters translate it into their vendor-specific body.
type ChatRequest struct {
	Model     string    `json:"model"`      // vendor model id, e.g. "gpt-4o"
	Messages  []Message `json:"messages"`   // for dispatch: exactly one user message
	MaxTokens int       `json:"max_tokens"` // max tokens in the response
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in the conversation, in role + content form.
type Message struct {
	Role    string `json:"role"`    // RoleUser or RoleAssistant
	Content string `json:"content"` // the message text
}

// UserMessage is shorthand for a request carrying a single user turn.
func UserMessage(model, text string, maxTokens int) *ChatRequest {
	return &ChatRequest{
		Model:     model,
		Messages:  []Message{{Role: RoleUser, Content: text}},
		MaxTokens: maxTokens,
	}
}

// ChatResponse is the vendor-neutral result of a completion. Content is the
// first textual content block the vendor returned.
type ChatResponse struct {
	ID      string // response ID from the vendor (empty if it has none)
	Model   string // the model that actually generated the response
	Content string // the generated text
	Usage   Usage  // token counts
}

// Usage holds token counts normalized across vendors.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ---------------------------------------------------------------------------
// Shared adapter settings
// ---------------------------------------------------------------------------

// DefaultTimeout bounds a single vendor call when no option overrides it.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a vendor body we are willing to read.
const maxResponseBytes = 4 << 20

// base holds what every adapter needs: where to send, how to authenticate,
// and how long to wait. Adapters embed it.
type base struct {
	apiKey  string
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// Option tweaks adapter settings at construction time.
type Option func(*base)

// WithTimeout sets the per-call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(b *base) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func newBase(apiKey, baseURL, defaultURL string, client *http.Client, opts []Option) base {
	if baseURL == "" {
		baseURL = defaultURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	b := base{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}
