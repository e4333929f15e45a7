package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// OpenAIDefaultBaseURL is the public OpenAI API root.
const OpenAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIDefaultModel is the model the secondary slot uses out of the box.
const OpenAIDefaultModel = "gpt-4o"

// OpenAIProvider implements the Provider interface for the Chat Completions
// API. Any OpenAI-compatible endpoint works through base_url.
type OpenAIProvider struct {
	base
}

// NewOpenAIProvider creates an OpenAIProvider ready to make API calls.
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client, opts ...Option) *OpenAIProvider {
	return &OpenAIProvider{
		base: newBase(apiKey, strings.TrimRight(baseURL, "/"), OpenAIDefaultBaseURL, client, opts),
	}
}

// Name returns the vendor identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// openaiRequest needs no translation beyond renaming: the unified message
// list is already OpenAI's shape.
type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIRequest(req *ChatRequest) *openaiRequest {
	or := &openaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	for _, msg := range req.Messages {
		or.Messages = append(or.Messages, openaiMessage(msg))
	}
	return or
}

// ChatCompletion sends a request to {baseURL}/chat/completions with the key
// as a bearer token and returns choices[0].message.content.
func (o *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.apiKey)

	data, err := o.post(ctx, o.Name(), o.baseURL+"/chat/completions", header, toOpenAIRequest(req))
	if err != nil {
		return nil, err
	}

	var openaiResp openaiResponse
	if err := json.Unmarshal(data, &openaiResp); err != nil {
		return nil, malformed(o.Name(), "returned a body that is not valid JSON")
	}

	if len(openaiResp.Choices) == 0 || openaiResp.Choices[0].Message.Content == "" {
		return nil, malformed(o.Name(), "returned no text content")
	}

	model := openaiResp.Model
	if model == "" {
		model = req.Model
	}

	return &ChatResponse{
		ID:      openaiResp.ID,
		Model:   model,
		Content: openaiResp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     openaiResp.Usage.PromptTokens,
			CompletionTokens: openaiResp.Usage.CompletionTokens,
			TotalTokens:      openaiResp.Usage.TotalTokens,
		},
	}, nil
}
