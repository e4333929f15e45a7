package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/avacore/internal/envelope"
)

func TestOpenAIChatCompletion(t *testing.T) {
	var seen openaiRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-2024-08-06",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "OK"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 1, "total_tokens": 5}
		}`))
	}))
	t.Cleanup(srv.Close)

	// A trailing slash on base_url must not produce a double slash.
	p := NewOpenAIProvider("sk-openai", srv.URL+"/", srv.Client())
	resp, err := p.ChatCompletion(context.Background(), UserMessage(OpenAIDefaultModel, "Hello", 4000))
	require.NoError(t, err)

	assert.Equal(t, "OK", resp.Content)
	assert.Equal(t, "gpt-4o-2024-08-06", resp.Model)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	assert.Equal(t, "Bearer sk-openai", auth)
	assert.Equal(t, OpenAIDefaultModel, seen.Model)
	assert.Equal(t, 4000, seen.MaxTokens)
	require.Len(t, seen.Messages, 1)
	assert.Equal(t, openaiMessage{Role: "user", Content: "Hello"}, seen.Messages[0])
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   envelope.Kind
	}{
		// OpenAI echoes a masked key in "message"; only the type may surface.
		{"bad key", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided: sk-opena*****","type":"invalid_request_error","code":"invalid_api_key"}}`, envelope.KindProviderAuth},
		{"quota", http.StatusTooManyRequests, `{"error":{"type":"insufficient_quota"}}`, envelope.KindProviderRateLimited},
		{"bad gateway", http.StatusBadGateway, ``, envelope.KindProviderUnavailable},
		{"no choices", http.StatusOK, `{"model":"gpt-4o","choices":[]}`, envelope.KindProviderMalformed},
		{"empty content", http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":""}}]}`, envelope.KindProviderMalformed},
		{"garbage", http.StatusOK, `not json`, envelope.KindProviderMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			p := NewOpenAIProvider("sk-openai-secret", srv.URL, srv.Client())
			_, err := p.ChatCompletion(context.Background(), UserMessage("gpt-4o", "x", 10))
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
			assert.NotContains(t, err.Error(), "sk-opena")
		})
	}
}
