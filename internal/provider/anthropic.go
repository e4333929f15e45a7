package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicDefaultBaseURL is used when the configuration leaves base_url empty.
const AnthropicDefaultBaseURL = "https://api.anthropic.com/v1"

// AnthropicDefaultModel is the model the primary slot uses out of the box.
const AnthropicDefaultModel = "claude-3-5-sonnet-20241022"

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API: translate our unified ChatRequest into Anthropic's format,
// make the HTTP call, translate back.
type AnthropicProvider struct {
	base
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
// We take an *http.Client instead of creating one internally so tests can
// point it at a fake server (or a go-vcr recorder) and main can tune it.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client, opts ...Option) *AnthropicProvider {
	return &AnthropicProvider{
		base: newBase(apiKey, baseURL, AnthropicDefaultBaseURL, client, opts),
	}
}

// Name returns the vendor identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the body of POST /v1/messages. Anthropic rejects a
// request without max_tokens, and the model goes in the body.
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

// anthropicMessage uses a flat role + content shape, same as OpenAI.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the response from /v1/messages. "content" is an
// array of blocks because responses can mix text and tool_use blocks.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic versions
// its API with a date header instead of the URL path.
const anthropicAPIVersion = "2023-06-01"

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest copies the conversation turns over as-is. The budget is
// passed through untouched; callers always set one.
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	turns := make([]anthropicMessage, len(req.Messages))
	for i, m := range req.Messages {
		turns[i] = anthropicMessage{Role: m.Role, Content: m.Content}
	}
	return &anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  turns,
	}
}

// ---------------------------------------------------------------------------
// ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a request to Anthropic's /v1/messages endpoint and
// returns the complete response.
//
// Flow: translate → POST (auth via x-api-key header) → decode → pick the
// first text block → translate back.
func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	// Step 1: Translate our unified request into Anthropic's format.
	anthropicReq := toAnthropicRequest(req)

	// Step 2: Make the HTTP call. Anthropic uses its own header name for
	// the key instead of "Authorization: Bearer".
	header := http.Header{}
	header.Set("x-api-key", a.apiKey)
	header.Set("anthropic-version", anthropicAPIVersion)

	data, err := a.post(ctx, a.Name(), fmt.Sprintf("%s/messages", a.baseURL), header, anthropicReq)
	if err != nil {
		return nil, err
	}

	// Step 3: Decode the JSON response.
	var anthropicResp anthropicResponse
	if err := json.Unmarshal(data, &anthropicResp); err != nil {
		return nil, malformed(a.Name(), "returned a body that is not valid JSON")
	}

	// Step 4: Find the first text block. For a plain chat completion
	// content[0] is normally text, but we loop in case other block types
	// come first.
	var text string
	for _, block := range anthropicResp.Content {
		if block.Type == "text" && block.Text != "" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, malformed(a.Name(), "returned no text content")
	}

	model := anthropicResp.Model
	if model == "" {
		model = req.Model
	}

	return &ChatResponse{
		ID:      anthropicResp.ID,
		Model:   model,
		Content: text,
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
	}, nil
}
