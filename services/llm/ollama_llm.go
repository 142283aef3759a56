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
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("blinder.llm")

// ollamaDefaultWindow is used when the model probe fails.
const ollamaDefaultWindow = 4096

// OllamaClient talks to a local Ollama instance. No data leaves the
// machine.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

var _ Client = (*OllamaClient)(nil)

// NewOllamaClient builds a client for the Ollama instance at baseURL.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: chatTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}
}

func (o *OllamaClient) ModelName() string    { return o.model }
func (o *OllamaClient) ProviderName() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message datatypes.Message `json:"message"`
	Done    bool              `json:"done"`
}

// ChatStream posts to /api/chat and forwards the NDJSON content deltas.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message) (<-chan StreamChunk, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := o.post(ctx, "/api/chat", ollamaChatRequest{Model: o.model, Messages: messages, Stream: true})
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
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Message.Content != "" {
				select {
				case out <- StreamChunk{Content: chunk.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			span.RecordError(err)
			select {
			case out <- StreamChunk{Err: fmt.Errorf("ollama stream read failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// ChatComplete posts a non-streaming chat request.
func (o *OllamaClient) ChatComplete(ctx context.Context, messages []datatypes.Message) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatComplete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.post(ctx, "/api/chat", ollamaChatRequest{Model: o.model, Messages: messages, Stream: false})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to parse ollama chat response: %w", err)
	}
	return parsed.Message.Content, nil
}

// ContextWindow probes /api/show for any model_info key mentioning
// "context". Falls back to a conservative default when the probe fails.
func (o *OllamaClient) ContextWindow(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := o.post(ctx, "/api/show", map[string]string{"name": o.model})
	if err != nil {
		slog.Warn("could not determine ollama context window, using default",
			"model", o.model, "default", ollamaDefaultWindow)
		return ollamaDefaultWindow
	}
	defer resp.Body.Close()

	var parsed struct {
		ModelInfo map[string]any `json:"model_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ollamaDefaultWindow
	}
	for key, value := range parsed.ModelInfo {
		if !strings.Contains(strings.ToLower(key), "context") {
			continue
		}
		if n, ok := value.(float64); ok && n > 0 {
			return int(n)
		}
	}
	return ollamaDefaultWindow
}

// IsAvailable checks /api/tags for a model whose name starts with ours.
func (o *OllamaClient) IsAvailable(ctx context.Context) bool {
	models, err := o.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, name := range models {
		if strings.HasPrefix(name, o.model) {
			return true
		}
	}
	return false
}

// ListModels returns the models installed in the local Ollama instance.
func (o *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: "ollama", StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ollama model list: %w", err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

func (o *OllamaClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama unreachable: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &ProviderError{Provider: "ollama", StatusCode: resp.StatusCode, Body: string(payload)}
	}
	return resp, nil
}
