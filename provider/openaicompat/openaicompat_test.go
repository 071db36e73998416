package openaicompat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/provider/openaicompat"
)

func request(baseURL string) qf.ProviderRequest {
	return qf.ProviderRequest{
		Provider:    "openai",
		APIKey:      "sk-test",
		BaseURL:     baseURL,
		Model:       "gpt-4o-mini",
		System:      "Respond with a JSON object.",
		Prompt:      "A dwarven blacksmith",
		Temperature: qf.Float64Ptr(0.5),
		MaxTokens:   512,
		JSON:        true,
	}
}

func TestGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"name\":\"Borin\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 21, "completion_tokens": 9, "total_tokens": 30}
		}`))
	}))
	defer srv.Close()

	p := openaicompat.New()
	assert.Equal(t, qf.TransportOpenAI, p.Transport())

	resp, err := p.Generate(context.Background(), request(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Borin"}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, qf.Usage{PromptTokens: 21, CompletionTokens: 9, TotalTokens: 30}, resp.Usage)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Equal(t, float64(512), got["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestGenerate_StatusMapping(t *testing.T) {
	cases := map[int]error{
		http.StatusTooManyRequests:     qf.ErrRateLimited,
		http.StatusUnauthorized:        qf.ErrAuthFailed,
		http.StatusBadRequest:          qf.ErrBadRequest,
		http.StatusInternalServerError: qf.ErrProviderUnavailable,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write([]byte(`{"error": {"message": "nope", "type": "error"}}`))
		}))

		_, err := openaicompat.New().Generate(context.Background(), request(srv.URL))
		assert.ErrorIs(t, err, want, status)
		assert.ErrorIs(t, err, qf.ErrTransportFailure, status)
		srv.Close()
	}
}

func TestGenerate_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "x", "choices": []}`))
	}))
	defer srv.Close()

	_, err := openaicompat.New().Generate(context.Background(), request(srv.URL))
	assert.ErrorIs(t, err, qf.ErrEmptyResponse)
}

func TestGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := openaicompat.New().Generate(ctx, request(srv.URL))
	assert.ErrorIs(t, err, qf.ErrTimeout)
}

func TestGenerate_DefaultBaseURL(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices": [{"message": {"content": "{}"}}]}`))
	}))
	defer srv.Close()

	req := request("")
	_, err := openaicompat.New(openaicompat.WithBaseURL(srv.URL+"/"), openaicompat.WithHTTPClient(srv.Client())).Generate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, hit)
}
