// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// EventStream writes server-sent events for one chat request. Every event
// is a JSON object with a "type" discriminator; the stream is flushed after
// each event so tokens reach the client as they arrive.
type EventStream interface {
	// Send marshals payload and emits it as one SSE data frame.
	Send(payload any) error
}

type eventStream struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

var _ EventStream = (*eventStream)(nil)

// NewEventStream prepares w for server-sent events and returns the stream.
// Fails when the underlying writer cannot flush, which would silently
// buffer the whole response.
func NewEventStream(w http.ResponseWriter) (EventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	return &eventStream{writer: w, flusher: flusher}, nil
}

func (s *eventStream) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// =============================================================================
// Event payloads
// =============================================================================

type startEvent struct {
	Type string `json:"type"`
}

type chunkEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Threats any    `json:"threats,omitempty"`
}

type doneEvent struct {
	Type           string `json:"type"`
	LawyerContent  string `json:"lawyer_content"`
	BlindedContent string `json:"blinded_content"`
	MessageID      string `json:"message_id"`
	Citations      any    `json:"citations"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Title          string `json:"title,omitempty"`
	Domain         string `json:"domain,omitempty"`
}
