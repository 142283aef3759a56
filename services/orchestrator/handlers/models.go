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
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/AleutianAI/AleutianBlinder/services/llm"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

// ollamaProbeTimeout bounds the local inventory probe so a stopped Ollama
// does not stall the settings page.
const ollamaProbeTimeout = 3 * time.Second

var displayCaser = cases.Title(language.English)

// ListModels handles GET /api/models: the static cloud catalogues plus a
// live probe of the local Ollama instance.
func (h *Handlers) ListModels(c *gin.Context) {
	provider, llmCfg := h.settings.Snapshot()

	resp := datatypes.ModelsResponse{
		DefaultProvider: provider,
		DefaultModel:    h.settings.DefaultModelFor(provider),
	}

	resp.Providers = append(resp.Providers, h.ollamaStatus(c.Request.Context(), llmCfg))
	resp.Providers = append(resp.Providers, datatypes.ProviderStatus{
		Provider:  "openai",
		Available: llmCfg.OpenAIAPIKey != "",
		Models:    catalogueEntries("openai"),
	})
	resp.Providers = append(resp.Providers, datatypes.ProviderStatus{
		Provider:  "anthropic",
		Available: llmCfg.AnthropicAPIKey != "",
		Models:    catalogueEntries("anthropic"),
	})

	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) ollamaStatus(ctx context.Context, cfg llm.Config) datatypes.ProviderStatus {
	probeCtx, cancel := context.WithTimeout(ctx, ollamaProbeTimeout)
	defer cancel()

	client := llm.NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaModel)
	status := datatypes.ProviderStatus{Provider: "ollama"}
	names, err := client.ListModels(probeCtx)
	if err != nil {
		slog.Debug("ollama inventory probe failed", "error", err)
		return status
	}
	status.Available = true
	for _, name := range names {
		status.Models = append(status.Models, datatypes.ModelEntry{
			ID:       name,
			Name:     displayCaser.String(strings.ReplaceAll(name, ":", " ")),
			Provider: "ollama",
		})
	}
	return status
}

func catalogueEntries(provider string) []datatypes.ModelEntry {
	infos := llm.ProviderModels[provider]
	entries := make([]datatypes.ModelEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, datatypes.ModelEntry{
			ID:       info.ID,
			Name:     info.Name,
			Context:  info.Context,
			Provider: provider,
		})
	}
	return entries
}

// =============================================================================
// Settings endpoints
// =============================================================================

// GetModelSettings handles GET /api/models/settings. Keys are reported as
// presence booleans only.
func (h *Handlers) GetModelSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Describe())
}

// UpdateModelSettings handles POST /api/models/settings. The endpoint
// mutates process state from a browser, so it demands the XHR header as a
// CSRF guard; simple form posts cannot set it cross origin.
func (h *Handlers) UpdateModelSettings(c *gin.Context) {
	if c.GetHeader("X-Requested-With") != "XMLHttpRequest" {
		abortDetail(c, http.StatusForbidden, "missing X-Requested-With header")
		return
	}

	var req datatypes.ModelSettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.settings.Apply(req)
	slog.Info("model settings updated")
	c.JSON(http.StatusOK, h.settings.Describe())
}
