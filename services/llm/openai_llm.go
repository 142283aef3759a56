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
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

// OpenAIClient wraps the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for the given API key and model.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{client: openai.NewClient(apiKey), model: model}
}

func (c *OpenAIClient) ModelName() string    { return c.model }
func (c *OpenAIClient) ProviderName() string { return "openai" }

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// ChatStream forwards SSE deltas from the completions endpoint.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message) (<-chan StreamChunk, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	})
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, wrapOpenAIError(err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer span.End()
		defer cancel()
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				span.RecordError(err)
				select {
				case out <- StreamChunk{Err: wrapOpenAIError(err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- StreamChunk{Content: delta}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ChatComplete returns the full completion in one call.
func (c *OpenAIClient) ChatComplete(ctx context.Context, messages []datatypes.Message) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatComplete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.model))

	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ContextWindow reads the fixed table; unknown models assume 128K.
func (c *OpenAIClient) ContextWindow(_ context.Context) int {
	return windowFor(c.model, 128_000)
}

// IsAvailable verifies the key against the models endpoint.
func (c *OpenAIClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := c.client.ListModels(ctx)
	return err == nil
}

// wrapOpenAIError surfaces the HTTP status as a ProviderError so the
// orchestrator can map it to a safe message.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode}
	}
	return fmt.Errorf("openai request failed: %w", err)
}
