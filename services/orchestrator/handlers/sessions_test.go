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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
)

// TestSessionID_Garbage answers 422 before touching storage.
func TestSessionID_Garbage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Params = gin.Params{{Key: "id", Value: "not-a-uuid"}}

	_, ok := sessionID(c)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid session id")
}

// TestToMessageResponse decodes stored threat and citation JSON.
func TestToMessageResponse(t *testing.T) {
	threats, err := json.Marshal([]map[string]string{
		{"threat_type": "prompt_injection", "description": "ignore previous", "severity": "high"},
	})
	require.NoError(t, err)
	citations, err := json.Marshal([]map[string]any{
		{"document_id": "d-1", "filename": "a.txt", "score": 0.8,
			"snippet_blinded": "[PERSON_1] agreed", "snippet_lawyer": "Alice agreed"},
	})
	require.NoError(t, err)

	msg := storage.Message{
		Role:           "assistant",
		LawyerContent:  "Alice agreed",
		BlindedContent: "[PERSON_1] agreed",
		Threats:        threats,
		Citations:      citations,
	}
	resp := toMessageResponse(&msg)
	require.Len(t, resp.ThreatsDetected, 1)
	assert.Equal(t, "prompt_injection", resp.ThreatsDetected[0].ThreatType)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "Alice agreed", resp.Citations[0].SnippetClear)
}

// TestToMessageResponse_BadStoredJSON degrades to empty lists.
func TestToMessageResponse_BadStoredJSON(t *testing.T) {
	msg := storage.Message{Role: "user", Threats: []byte("{broken"), Citations: []byte("[")}
	resp := toMessageResponse(&msg)
	assert.Empty(t, resp.ThreatsDetected)
	assert.Empty(t, resp.Citations)
}
