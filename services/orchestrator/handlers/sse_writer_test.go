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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventStream_Framing checks the data-frame format and headers.
func TestEventStream_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := NewEventStream(rec)
	require.NoError(t, err)

	require.NoError(t, stream.Send(startEvent{Type: "start"}))
	require.NoError(t, stream.Send(chunkEvent{Type: "chunk", Content: "Hel"}))
	require.NoError(t, stream.Send(chunkEvent{Type: "chunk", Content: "lo"}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 3)
	assert.Equal(t, `data: {"type":"start"}`, frames[0])
	assert.Equal(t, `data: {"type":"chunk","content":"Hel"}`, frames[1])
}

// TestEventStream_DoneShape checks the terminal event wire shape.
func TestEventStream_DoneShape(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := NewEventStream(rec)
	require.NoError(t, err)

	require.NoError(t, stream.Send(doneEvent{
		Type:           "done",
		LawyerContent:  "Acme owes $5",
		BlindedContent: "[ORG_1] owes $5",
		MessageID:      "m-1",
		Citations:      []string{},
		Provider:       "ollama",
		Model:          "llama3",
	}))

	payload := strings.TrimPrefix(strings.TrimSpace(rec.Body.String()), "data: ")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, "done", decoded["type"])
	assert.Equal(t, "Acme owes $5", decoded["lawyer_content"])
	assert.Equal(t, "[ORG_1] owes $5", decoded["blinded_content"])
	assert.NotContains(t, decoded, "title", "empty title is omitted")
	assert.NotContains(t, decoded, "domain")
}

// TestEventStream_ErrorOmitsEmptyThreats keeps the error shape minimal.
func TestEventStream_ErrorOmitsEmptyThreats(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := NewEventStream(rec)
	require.NoError(t, err)

	sendError(stream, msgGeneric, nil)
	assert.NotContains(t, rec.Body.String(), "threats")
	assert.Contains(t, rec.Body.String(), `"type":"error"`)
}
