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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com/v1/messages"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 8192
)

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client for the given API key and model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: chatTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    anthropicBaseURL,
	}
}

func (c *AnthropicClient) ModelName() string    { return c.model }
func (c *AnthropicClient) ProviderName() string { return "anthropic" }

type anthropicRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Messages  []datatypes.Message `json:"messages"`
	System    string              `json:"system,omitempty"`
	Stream    bool                `json:"stream,omitempty"`
}

// splitSystem separates system turns from the conversation; the messages
// API takes the system prompt as a top-level field.
func splitSystem(messages []datatypes.Message) (string, []datatypes.Message) {
	var system strings.Builder
	var rest []datatypes.Message
	for _, m := range messages {
		if m.Role == datatypes.RoleSystem {
			system.WriteString(m.Content)
			system.WriteByte('\n')
			continue
		}
		rest = append(rest, m)
	}
	return strings.TrimSpace(system.String()), rest
}

// ChatStream posts a streaming request and forwards content_block_delta
// events.
func (c *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message) (<-chan StreamChunk, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.ChatStream")
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	system, rest := splitSystem(messages)
	resp, err := c.post(ctx, anthropicRequest{
		Model:     c.model,
		MaxTokens: anthropicMaxTokens,
		Messages:  rest,
		System:    system,
		Stream:    true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer span.End()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event struct {
				Type  string `json:"type"`
				Delta struct {
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(line[6:]), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					select {
					case out <- StreamChunk{Content: event.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_stop":
				return
			}
		}
		if err := scanner.Err(); err != nil {
			span.RecordError(err)
			select {
			case out <- StreamChunk{Err: fmt.Errorf("anthropic stream read failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// ChatComplete returns the first text block of a non-streaming response.
func (c *AnthropicClient) ChatComplete(ctx context.Context, messages []datatypes.Message) (string, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.ChatComplete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.model))

	system, rest := splitSystem(messages)
	resp, err := c.post(ctx, anthropicRequest{
		Model:     c.model,
		MaxTokens: anthropicMaxTokens,
		Messages:  rest,
		System:    system,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to parse anthropic response: %w", err)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

// ContextWindow reads the fixed table; unknown models assume 200K.
func (c *AnthropicClient) ContextWindow(_ context.Context) int {
	return windowFor(c.model, 200_000)
}

// IsAvailable sends a one-token probe to verify the key.
func (c *AnthropicClient) IsAvailable(ctx context.Context) bool {
	if c.apiKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.post(ctx, anthropicRequest{
		Model:     c.model,
		MaxTokens: 1,
		Messages:  []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	})
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *AnthropicClient) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build anthropic request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic unreachable: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: string(errBody)}
	}
	return resp, nil
}
