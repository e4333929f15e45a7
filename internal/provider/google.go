package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleDefaultBaseURL is Gemini's public REST root.
const GoogleDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleDefaultModel is used when a slot picks the google vendor without a model.
const GoogleDefaultModel = "gemini-1.5-pro"

// GoogleProvider implements the Provider interface for Google's Gemini API.
type GoogleProvider struct {
	base
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client, opts ...Option) *GoogleProvider {
	return &GoogleProvider{
		base: newBase(apiKey, baseURL, GoogleDefaultBaseURL, client, opts),
	}
}

// Name returns the vendor identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

// geminiRequest is the request body for generateContent.
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses "parts" because it supports
// multimodal input; for text we always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
}

// geminiCandidate is one generated response. We only use the first one.
type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest wraps each turn in a single text part. Gemini calls the
// assistant side "model".
func toGeminiRequest(req *ChatRequest) *geminiRequest {
	gr := &geminiRequest{
		Contents: make([]geminiContent, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == RoleAssistant {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if req.MaxTokens > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}
	return gr
}

// ---------------------------------------------------------------------------
// ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a request to {baseURL}/models/{model}:generateContent.
//
// Gemini also accepts the key as a ?key= query parameter, but a URL ends up
// inside *url.Error messages when the transport fails. The x-goog-api-key
// header keeps the key out of every error string.
func (g *GoogleProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	geminiReq := toGeminiRequest(req)

	header := http.Header{}
	header.Set("x-goog-api-key", g.apiKey)

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, req.Model)

	data, err := g.post(ctx, g.Name(), url, header, geminiReq)
	if err != nil {
		return nil, err
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(data, &geminiResp); err != nil {
		return nil, malformed(g.Name(), "returned a body that is not valid JSON")
	}

	// Take the first non-empty text part of the first candidate.
	var text string
	if len(geminiResp.Candidates) > 0 {
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			if part.Text != "" {
				text = part.Text
				break
			}
		}
	}
	if text == "" {
		return nil, malformed(g.Name(), "returned no text content")
	}

	model := geminiResp.ModelVersion
	if model == "" {
		model = req.Model
	}

	resp := &ChatResponse{
		Model:   model,
		Content: text,
	}
	if geminiResp.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
		}
	}

	return resp, nil
}
