// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextbuilder

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianBlinder/services/llm"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

const routerPrompt = "Classify the following user message into exactly ONE domain.\n" +
	"Reply with ONLY the domain name, nothing else.\n" +
	"Domains: legal, finance, healthcare, hr, general"

// DetectDomain asks the LLM to classify the first blinded message into a
// supported domain. Any failure or unrecognisable answer falls back to
// general; domain routing is never allowed to fail a chat request.
func DetectDomain(ctx context.Context, client llm.Client, text string) string {
	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: routerPrompt},
		{Role: datatypes.RoleUser, Content: text},
	}

	result, err := client.ChatComplete(ctx, messages)
	if err != nil {
		slog.Warn("domain detection failed, falling back to general", "error", err)
		return "general"
	}

	domain := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(result)), ".")
	if IsSupportedDomain(domain) {
		slog.Info("domain auto-detected", "domain", domain)
		return domain
	}
	slog.Info("unrecognised domain from router, falling back to general", "answer", domain)
	return "general"
}
