// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

func testConfig() Config {
	return Config{
		OllamaBaseURL:   "http://localhost:11434",
		OllamaModel:     "llama3",
		OpenAIModel:     "gpt-4o",
		AnthropicModel:  "claude-sonnet-4-5-20250929",
		OpenAIAPIKey:    "",
		AnthropicAPIKey: "",
	}
}

// TestCreate_MissingCredentials fails before any network call.
func TestCreate_MissingCredentials(t *testing.T) {
	_, err := Create(testConfig(), "openai", "")
	require.Error(t, err)
	assert.True(t, IsProviderMisconfigured(err))
	assert.ErrorContains(t, err, "openai_api_key")

	_, err = Create(testConfig(), "anthropic", "")
	assert.True(t, IsProviderMisconfigured(err))
}

// TestCreate_OllamaNeedsNoKey verifies local provider construction.
func TestCreate_OllamaNeedsNoKey(t *testing.T) {
	client, err := Create(testConfig(), "ollama", "")
	require.NoError(t, err)
	assert.Equal(t, "ollama", client.ProviderName())
	assert.Equal(t, "llama3", client.ModelName())
}

// TestCreate_ModelOverride uses the request-level model.
func TestCreate_ModelOverride(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAIAPIKey = "sk-test"
	client, err := Create(cfg, "openai", "o3-mini")
	require.NoError(t, err)
	assert.Equal(t, "o3-mini", client.ModelName())
}

// TestCreate_UnknownProvider rejects typos.
func TestCreate_UnknownProvider(t *testing.T) {
	_, err := Create(testConfig(), "mistral", "")
	assert.ErrorContains(t, err, "unknown LLM provider")
}

// TestContextWindows covers the fixed table and fallbacks.
func TestContextWindows(t *testing.T) {
	assert.Equal(t, 128_000, windowFor("gpt-4o", 0))
	assert.Equal(t, 200_000, windowFor("o1", 0))
	assert.Equal(t, 200_000, windowFor("claude-sonnet-4-5-20250929", 0))
	assert.Equal(t, 16_385, windowFor("gpt-3.5-turbo", 0))
	assert.Equal(t, 128_000, windowFor("gpt-5-unreleased", 128_000))
}

// TestOllama_ChatStream reads NDJSON deltas until done.
func TestOllama_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		for _, delta := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", delta)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	t.Cleanup(srv.Close)

	c := NewOllamaClient(srv.URL, "llama3")
	chunks, err := c.ChatStream(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	var got string
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		got += chunk.Content
	}
	assert.Equal(t, "Hello", got)
}

// TestOllama_ChatStream_ConsumerGone cancels mid-stream and stops
// receiving. The producer goroutine must still exit and close the
// channel instead of blocking on its final error send.
func TestOllama_ChatStream_ConsumerGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewOllamaClient(srv.URL, "llama3")
	chunks, err := c.ChatStream(ctx, []datatypes.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	first := <-chunks
	require.NoError(t, first.Err)
	assert.Equal(t, "Hel", first.Content)

	cancel()
	time.Sleep(100 * time.Millisecond)

	select {
	case _, ok := <-chunks:
		assert.False(t, ok, "channel should be closed, not carrying a late chunk")
	case <-time.After(2 * time.Second):
		t.Fatal("producer goroutine did not exit after cancellation")
	}
}

// TestOllama_ChatComplete reads the single-shot response.
func TestOllama_ChatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"full answer"},"done":true}`)
	}))
	t.Cleanup(srv.Close)

	c := NewOllamaClient(srv.URL, "llama3")
	got, err := c.ChatComplete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "full answer", got)
}

// TestOllama_ContextWindowProbe finds the context key in model_info.
func TestOllama_ContextWindowProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/show", r.URL.Path)
		fmt.Fprintln(w, `{"model_info":{"llama.context_length":8192,"llama.vocab_size":32000}}`)
	}))
	t.Cleanup(srv.Close)

	c := NewOllamaClient(srv.URL, "llama3")
	assert.Equal(t, 8192, c.ContextWindow(context.Background()))
}

// TestOllama_ContextWindowProbeFailure falls back to the default.
func TestOllama_ContextWindowProbeFailure(t *testing.T) {
	c := NewOllamaClient("http://127.0.0.1:1", "llama3")
	assert.Equal(t, ollamaDefaultWindow, c.ContextWindow(context.Background()))
}

// TestOllama_IsAvailable matches installed models by prefix.
func TestOllama_IsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprintln(w, `{"models":[{"name":"llama3:latest"},{"name":"mistral:7b"}]}`)
	}))
	t.Cleanup(srv.Close)

	assert.True(t, NewOllamaClient(srv.URL, "llama3").IsAvailable(context.Background()))
	assert.False(t, NewOllamaClient(srv.URL, "qwen").IsAvailable(context.Background()))
}

// TestOllama_ErrorStatus surfaces the status as a ProviderError.
func TestOllama_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewOllamaClient(srv.URL, "llama3")
	_, err := c.ChatComplete(context.Background(), nil)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, pe.StatusCode)
}

// TestAnthropic_ChatStream parses content_block_delta events and stops at
// message_stop.
func TestAnthropic_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-123", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be terse", req.System, "system turns lifted out of messages")
		for _, m := range req.Messages {
			assert.NotEqual(t, "system", m.Role)
		}

		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi \"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"there\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	t.Cleanup(srv.Close)

	c := NewAnthropicClient("key-123", "claude-sonnet-4-5-20250929")
	c.baseURL = srv.URL

	chunks, err := c.ChatStream(context.Background(), []datatypes.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
	})
	require.NoError(t, err)

	var got string
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		got += chunk.Content
	}
	assert.Equal(t, "Hi there", got)
}

// TestAnthropic_ChatComplete reads the first text block.
func TestAnthropic_ChatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"content":[{"type":"text","text":"answer"}]}`)
	}))
	t.Cleanup(srv.Close)

	c := NewAnthropicClient("key-123", "claude-sonnet-4-5-20250929")
	c.baseURL = srv.URL

	got, err := c.ChatComplete(context.Background(), []datatypes.Message{{Role: "user", Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "answer", got)
}

// TestAnthropic_AuthFailure maps a 401 to a ProviderError.
func TestAnthropic_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"type":"authentication_error"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := NewAnthropicClient("bad-key", "claude-sonnet-4-5-20250929")
	c.baseURL = srv.URL

	_, err := c.ChatComplete(context.Background(), []datatypes.Message{{Role: "user", Content: "q"}})
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
}

// TestSplitSystem concatenates multiple system turns.
func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]datatypes.Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "q"},
		{Role: "system", Content: "b"},
		{Role: "assistant", Content: "r"},
	})
	assert.Equal(t, "a\nb", system)
	require.Len(t, rest, 2)
	assert.Equal(t, "user", rest[0].Role)
}

// TestWrapOpenAIError converts API errors into provider errors.
func TestWrapOpenAIError(t *testing.T) {
	err := wrapOpenAIError(&openai.APIError{HTTPStatusCode: 429, Message: "rate limited"})
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, 429, pe.StatusCode)
	assert.Equal(t, "openai", pe.Provider)

	plain := wrapOpenAIError(fmt.Errorf("dial tcp: refused"))
	_, ok = AsProviderError(plain)
	assert.False(t, ok)
}
