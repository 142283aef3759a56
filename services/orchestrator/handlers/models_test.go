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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settingsRouter() (*gin.Engine, *Handlers) {
	gin.SetMode(gin.TestMode)
	h := &Handlers{settings: testSettings()}
	r := gin.New()
	r.GET("/api/models/settings", h.GetModelSettings)
	r.POST("/api/models/settings", h.UpdateModelSettings)
	return r, h
}

// TestUpdateModelSettings_CSRF rejects posts without the XHR header.
func TestUpdateModelSettings_CSRF(t *testing.T) {
	r, _ := settingsRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/models/settings",
		strings.NewReader(`{"default_provider":"openai"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// TestUpdateModelSettings_RoundTrip applies an update and reads it back
// without echoing the key.
func TestUpdateModelSettings_RoundTrip(t *testing.T) {
	r, h := settingsRouter()

	body := `{"default_provider":"anthropic","anthropic_api_key":"sk-ant-REDACTED"}`
	req := httptest.NewRequest(http.MethodPost, "/api/models/settings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"anthropic_api_key_set":true`)
	assert.NotContains(t, rec.Body.String(), "sk-ant-REDACTED")

	provider, cfg := h.settings.Snapshot()
	assert.Equal(t, "anthropic", provider)
	assert.NotEmpty(t, cfg.AnthropicAPIKey)
}

// TestUpdateModelSettings_BadKeyFormat rejects malformed keys.
func TestUpdateModelSettings_BadKeyFormat(t *testing.T) {
	r, _ := settingsRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/models/settings",
		strings.NewReader(`{"openai_api_key":"not-a-key"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// TestCatalogueEntries tags every entry with its provider.
func TestCatalogueEntries(t *testing.T) {
	entries := catalogueEntries("openai")
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "openai", e.Provider)
		assert.NotEmpty(t, e.Context)
	}
}
