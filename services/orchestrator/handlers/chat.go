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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/pipeline"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/vault"
	"github.com/AleutianAI/AleutianBlinder/services/llm"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/contextbuilder"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
	"github.com/AleutianAI/AleutianBlinder/services/retrieval"
	"github.com/AleutianAI/AleutianBlinder/services/retrieval/tabular"
)

// Safe user-facing messages for provider failures. Raw provider errors are
// logged server side and never reach the client.
const (
	msgAuthFailed   = "LLM provider authentication failed. Check your API key in Settings."
	msgRateLimited  = "LLM provider rate limit exceeded. Please wait and try again."
	msgModelMissing = "LLM model not found. Check your model selection."
	msgNoConnection = "Cannot connect to LLM provider. Is Ollama running?"
	msgGeneric      = "Something went wrong processing your message. Check server logs for details."
)

const maxCitations = 5

var chatTracer trace.Tracer = otel.Tracer("blinder.chat")

const titlePrompt = "Generate a concise 3-6 word title for a conversation that " +
	"starts with the following message. Respond with ONLY the title, " +
	"no quotes, no punctuation at the end."

// Chat handles POST /api/sessions/{id}/chat. The response is a server-sent
// event stream: start, zero or more chunks, then done or error. Once
// streaming begins all failures are reported as error events.
func (h *Handlers) Chat(c *gin.Context) {
	session, ok := h.requireSession(c)
	if !ok {
		return
	}

	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	stream, err := NewEventStream(c.Writer)
	if err != nil {
		slog.Error("SSE stream setup failed", "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}

	start := time.Now()
	h.metrics.ChatStarted()
	defer h.metrics.ChatEnded()

	ctx, span := chatTracer.Start(c.Request.Context(), "chat.turn",
		trace.WithAttributes(attribute.String("session.id", session.ID.String())))
	defer span.End()

	completed := h.runChat(ctx, stream, session, req)
	span.SetAttributes(attribute.Bool("chat.completed", completed))
	h.metrics.RecordChatDuration(time.Since(start).Seconds(), completed)
	h.metrics.RecordRequest("chat", completed)
}

// runChat executes the chat turn, reporting whether it reached the done
// event. Every early return has already emitted a terminal SSE event.
func (h *Handlers) runChat(ctx context.Context, stream EventStream, session *storage.Session, req datatypes.ChatRequest) bool {
	v, err := h.loadVault(ctx, session)
	if err != nil {
		sendError(stream, msgGeneric, nil)
		return false
	}
	defer v.Destroy()
	known := pseudonymSet(v)

	// Blind the prompt. High-severity threats stop the turn before any
	// text can reach a provider.
	result, err := h.pipeline.ProcessPrompt(ctx, req.Message, v)
	if err != nil {
		if hst, isThreat := pipeline.IsHighSeverityThreat(err); isThreat {
			sendError(stream, "Message blocked: "+hst.Error(), toThreatResponses(hst.Threats))
			return false
		}
		slog.Error("prompt processing failed", "session_id", session.ID, "error", err)
		sendError(stream, msgGeneric, nil)
		return false
	}
	for _, threat := range result.Threats {
		h.metrics.RecordThreat(threat.ThreatType, string(threat.Severity))
	}

	// History is everything before this turn; the new user message is
	// persisted afterwards so it is committed before the provider call.
	history, err := h.store.GetMessages(ctx, session.ID)
	if err != nil {
		slog.Error("history load failed", "session_id", session.ID, "error", err)
		sendError(stream, msgGeneric, nil)
		return false
	}
	firstMessage := len(history) == 0

	threatsJSON, _ := json.Marshal(toThreatResponses(result.Threats))
	if _, err := h.store.CreateMessage(ctx, &storage.Message{
		SessionID:      session.ID,
		Role:           "user",
		LawyerContent:  req.Message,
		BlindedContent: result.BlindedText,
		Threats:        threatsJSON,
	}); err != nil {
		slog.Error("user message persistence failed", "session_id", session.ID, "error", err)
		sendError(stream, msgGeneric, nil)
		return false
	}

	provider, llmCfg := h.settings.Snapshot()
	if req.Provider != "" {
		provider = req.Provider
	}
	client, err := h.newLLM(llmCfg, provider, req.Model)
	if err != nil {
		slog.Error("LLM client creation failed", "provider", provider, "error", err)
		sendError(stream, safeLLMMessage(err), nil)
		return false
	}

	domain := session.Domain
	if firstMessage {
		if detected := contextbuilder.DetectDomain(ctx, client, result.BlindedText); detected != domain {
			domain = detected
			if _, err := h.store.UpdateSession(ctx, session.ID, nil, &domain); err != nil {
				slog.Warn("domain update failed", "session_id", session.ID, "error", err)
			}
		}
	}

	docs, err := h.store.GetDocuments(ctx, session.ID)
	if err != nil {
		slog.Error("document load failed", "session_id", session.ID, "error", err)
		sendError(stream, msgGeneric, nil)
		return false
	}
	blindedDocs, docSources := blindedWithSources(docs)
	blindedHistory := historyMessages(history)

	plan := h.planContext(ctx, client, session, result.BlindedText, blindedDocs, docSources, blindedHistory)
	h.metrics.RecordStrategy(plan.strategy())

	builder := contextbuilder.New(client, h.cfg.ContextWindowThreshold)
	messages := builder.BuildMessages(ctx, contextbuilder.Request{
		BlindedDocuments: blindedDocs,
		History:          blindedHistory,
		NewPrompt:        result.BlindedText,
		Domain:           domain,
		RetrievedChunks:  plan.chunks,
		SourceMetadata:   plan.sources,
		PseudonymLegend:  pseudonymLegend(v),
	})

	if err := h.auditRequest(ctx, session, client, messages, domain); err != nil {
		slog.Error("request audit failed", "session_id", session.ID, "error", err)
		sendError(stream, msgGeneric, nil)
		return false
	}

	if err := stream.Send(startEvent{Type: "start"}); err != nil {
		return false
	}

	blindedResponse, ok := h.streamCompletion(ctx, stream, client, messages)
	if !ok {
		return false
	}
	requestTokens := 0
	for _, m := range messages {
		requestTokens += retrieval.EstimateTokens(m.Content)
	}
	h.metrics.RecordTokens(requestTokens, retrieval.EstimateTokens(blindedResponse),
		client.ProviderName(), client.ModelName())
	lawyerResponse := h.pipeline.RestoreResponse(blindedResponse, v)

	citations := h.extractCitations(blindedResponse, plan, docs, blindedDocs, v)
	citationsJSON, _ := json.Marshal(citations)

	assistantMsg, err := h.store.CreateMessage(ctx, &storage.Message{
		SessionID:      session.ID,
		Role:           "assistant",
		LawyerContent:  lawyerResponse,
		BlindedContent: blindedResponse,
		Citations:      citationsJSON,
	})
	if err != nil {
		slog.Error("assistant message persistence failed", "session_id", session.ID, "error", err)
		sendError(stream, msgGeneric, nil)
		return false
	}

	if _, err := h.store.AppendAudit(ctx, &storage.AuditRecord{
		SessionID:      session.ID,
		EventType:      "llm_response",
		Provider:       client.ProviderName(),
		Model:          client.ModelName(),
		PayloadBlinded: blindedResponse,
		TokenEstimate:  retrieval.EstimateTokens(blindedResponse),
		Metadata:       map[string]any{"domain": domain, "citations": len(citations)},
	}); err != nil {
		slog.Error("response audit failed", "session_id", session.ID, "error", err)
		sendError(stream, msgGeneric, nil)
		return false
	}

	if err := h.persistNewVaultEntries(ctx, session.ID, v, known); err != nil {
		slog.Error("vault persistence failed", "session_id", session.ID, "error", err)
		sendError(stream, msgGeneric, nil)
		return false
	}

	var title string
	if firstMessage {
		title = h.generateTitle(ctx, client, session, result.BlindedText, v)
	}

	done := doneEvent{
		Type:           "done",
		LawyerContent:  lawyerResponse,
		BlindedContent: blindedResponse,
		MessageID:      assistantMsg.ID.String(),
		Citations:      citations,
		Provider:       client.ProviderName(),
		Model:          client.ModelName(),
		Title:          title,
	}
	if firstMessage {
		done.Domain = domain
	}
	if err := stream.Send(done); err != nil {
		slog.Warn("done event not delivered", "session_id", session.ID, "error", err)
	}
	return true
}

// =============================================================================
// Context planning
// =============================================================================

// contextPlan is the outcome of the strategy pick. chunks nil means "stuff
// the full documents"; non-nil means pre-retrieved context. sourceChunks
// carry provenance for post-hoc citation scoring.
type contextPlan struct {
	chunks       []string
	sources      []contextbuilder.SourceMeta
	sourceChunks []contextbuilder.SourceChunk
}

func (p contextPlan) strategy() string {
	switch {
	case p.chunks == nil:
		return "stuff"
	case len(p.sourceChunks) > 0:
		return "rag"
	default:
		return "tabular"
	}
}

// planContext picks the cheapest context strategy that answers the prompt:
// a tabular pre-computation when the query matches one, hybrid retrieval
// when the corpus outgrows the window, full stuffing otherwise.
func (h *Handlers) planContext(ctx context.Context, client llm.Client, session *storage.Session,
	blindedPrompt string, blindedDocs []string, docSources []contextbuilder.SourceMeta,
	history []datatypes.Message) contextPlan {

	if len(blindedDocs) == 0 {
		return contextPlan{sources: docSources}
	}

	if tab, ok := tabular.TryQuery(blindedPrompt, blindedDocs); ok {
		slog.Info("tabular query answered locally",
			"session_id", session.ID, "query_type", tab.QueryType)
		return contextPlan{chunks: []string{tab.Context}}
	}

	docTokens := 0
	for _, doc := range blindedDocs {
		docTokens += retrieval.EstimateTokens(doc)
	}
	window := client.ContextWindow(ctx)
	if !retrieval.ShouldUseRAG(docTokens, window) {
		return contextPlan{sources: docSources}
	}

	indexed, err := h.store.HasChunks(ctx, session.ID)
	if err != nil || !indexed {
		if err != nil {
			slog.Warn("chunk index check failed, stuffing documents", "error", err)
		}
		return contextPlan{sources: docSources}
	}

	historyTok := 0
	for _, m := range history {
		historyTok += retrieval.EstimateTokens(m.Content)
	}
	topK := retrieval.AdaptiveTopK(window, historyTok, retrieval.EstimateTokens(blindedPrompt), h.cfg.RAGTopK)

	embedding, err := h.embedder.EmbedQuery(ctx, blindedPrompt)
	if err != nil {
		slog.Warn("query embedding failed, stuffing documents", "error", err)
		return contextPlan{sources: docSources}
	}
	scored, err := h.retriever.HybridSearch(ctx, session.ID, blindedPrompt, embedding, topK)
	if err != nil || len(scored) == 0 {
		if err != nil {
			slog.Warn("hybrid retrieval failed, stuffing documents", "error", err)
		}
		return contextPlan{sources: docSources}
	}

	plan := contextPlan{chunks: make([]string, 0, len(scored))}
	for i, sc := range scored {
		plan.chunks = append(plan.chunks, sc.Content)
		plan.sources = append(plan.sources, contextbuilder.SourceMeta{
			Index:      i + 1,
			Filename:   sc.Filename,
			DocumentID: sc.DocumentID.String(),
		})
		plan.sourceChunks = append(plan.sourceChunks, contextbuilder.SourceChunk{
			DocumentID: sc.DocumentID.String(),
			Filename:   sc.Filename,
			ChunkIndex: sc.ChunkIndex,
			Text:       sc.Content,
		})
	}
	return plan
}

// blindedWithSources returns the processed document texts alongside their
// numbered source metadata.
func blindedWithSources(docs []storage.Document) ([]string, []contextbuilder.SourceMeta) {
	var texts []string
	var sources []contextbuilder.SourceMeta
	for _, doc := range docs {
		if !doc.Processed || doc.BlindedText == "" {
			continue
		}
		texts = append(texts, doc.BlindedText)
		sources = append(sources, contextbuilder.SourceMeta{
			Index:      len(texts),
			Filename:   doc.Filename,
			DocumentID: doc.ID.String(),
		})
	}
	return texts, sources
}

func historyMessages(stored []storage.Message) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, datatypes.Message{Role: m.Role, Content: m.BlindedContent})
	}
	return out
}

// =============================================================================
// Streaming and audit
// =============================================================================

// auditRequest records the exact blinded payload sent to the provider.
func (h *Handlers) auditRequest(ctx context.Context, session *storage.Session,
	client llm.Client, messages []datatypes.Message, domain string) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	tokens := 0
	for _, m := range messages {
		tokens += retrieval.EstimateTokens(m.Content)
	}
	_, err = h.store.AppendAudit(ctx, &storage.AuditRecord{
		SessionID:      session.ID,
		EventType:      "llm_request",
		Provider:       client.ProviderName(),
		Model:          client.ModelName(),
		PayloadBlinded: string(payload),
		TokenEstimate:  tokens,
		Metadata:       map[string]any{"domain": domain},
	})
	return err
}

// streamCompletion relays provider tokens to the client while accumulating
// the full blinded response in locked memory.
func (h *Handlers) streamCompletion(ctx context.Context, stream EventStream,
	client llm.Client, messages []datatypes.Message) (string, bool) {
	acc := NewTokenAccumulator()
	defer acc.Destroy()

	ch, err := client.ChatStream(ctx, messages)
	if err != nil {
		slog.Error("stream start failed", "provider", client.ProviderName(), "error", err)
		sendError(stream, safeLLMMessage(err), nil)
		return "", false
	}

	for chunk := range ch {
		if chunk.Err != nil {
			slog.Error("stream failed", "provider", client.ProviderName(), "error", chunk.Err)
			sendError(stream, safeLLMMessage(chunk.Err), nil)
			return "", false
		}
		if chunk.Content == "" {
			continue
		}
		if err := acc.Write(chunk.Content); err != nil {
			slog.Error("response accumulation failed", "error", err)
			sendError(stream, msgGeneric, nil)
			return "", false
		}
		if err := stream.Send(chunkEvent{Type: "chunk", Content: chunk.Content}); err != nil {
			// Client went away; the provider stream is drained by the
			// context cancellation upstream.
			return "", false
		}
	}

	response, _, err := acc.Finalize()
	if err != nil {
		sendError(stream, msgGeneric, nil)
		return "", false
	}
	return response, true
}

// =============================================================================
// Citations and title
// =============================================================================

// extractCitations attributes the response to its sources: inline [N]
// markers first, IDF overlap as the fallback. Never fails the turn.
func (h *Handlers) extractCitations(blindedResponse string, plan contextPlan,
	docs []storage.Document, blindedDocs []string, v *vault.Vault) []datatypes.CitationResponse {
	extractor := contextbuilder.NewExtractor(maxCitations)

	var found []contextbuilder.Citation
	if len(plan.sources) > 0 && len(plan.chunks) > 0 {
		found = extractor.ExtractInline(blindedResponse, plan.sources, plan.chunks)
		if len(found) == 0 && len(plan.sourceChunks) > 0 {
			found = extractor.Extract(blindedResponse, plan.sourceChunks)
		}
	} else {
		var sourceChunks []contextbuilder.SourceChunk
		idx := 0
		for _, doc := range docs {
			if !doc.Processed || doc.BlindedText == "" {
				continue
			}
			sourceChunks = append(sourceChunks, contextbuilder.SourceChunk{
				DocumentID: doc.ID.String(),
				Filename:   doc.Filename,
				Text:       blindedDocs[idx],
			})
			idx++
		}
		if len(plan.sources) > 0 {
			inline := extractor.ExtractInline(blindedResponse, plan.sources, blindedDocs)
			if len(inline) > 0 {
				found = inline
			}
		}
		if len(found) == 0 {
			found = extractor.Extract(blindedResponse, sourceChunks)
		}
	}

	out := make([]datatypes.CitationResponse, 0, len(found))
	for _, cit := range found {
		out = append(out, datatypes.CitationResponse{
			DocumentID:     cit.DocumentID,
			Filename:       cit.Filename,
			ChunkIndex:     cit.ChunkIndex,
			Score:          cit.Score,
			SnippetBlinded: cit.SnippetBlinded,
			SnippetClear:   h.pipeline.RestoreResponse(cit.SnippetBlinded, v),
			Marker:         cit.Marker,
		})
	}
	return out
}

// generateTitle names the session from its first message. Failures are
// logged and the turn succeeds without a title.
func (h *Handlers) generateTitle(ctx context.Context, client llm.Client,
	session *storage.Session, blindedPrompt string, v *vault.Vault) string {
	raw, err := client.ChatComplete(ctx, []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: titlePrompt},
		{Role: datatypes.RoleUser, Content: blindedPrompt},
	})
	if err != nil {
		slog.Warn("title generation failed", "session_id", session.ID, "error", err)
		return ""
	}

	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	if title == "" {
		return ""
	}
	title = h.pipeline.RestoreResponse(title, v)
	if len(title) > datatypes.MaxTitleLength {
		title = title[:datatypes.MaxTitleLength]
	}
	if _, err := h.store.UpdateSession(ctx, session.ID, &title, nil); err != nil {
		slog.Warn("title update failed", "session_id", session.ID, "error", err)
		return ""
	}
	return title
}

// =============================================================================
// Errors
// =============================================================================

func sendError(stream EventStream, message string, threats any) {
	if err := stream.Send(errorEvent{Type: "error", Error: message, Threats: threats}); err != nil {
		slog.Warn("error event not delivered", "error", err)
	}
}

// safeLLMMessage maps provider failures to fixed client-safe strings.
func safeLLMMessage(err error) string {
	if pe, ok := llm.AsProviderError(err); ok {
		switch pe.StatusCode {
		case http.StatusUnauthorized:
			return msgAuthFailed
		case http.StatusTooManyRequests:
			return msgRateLimited
		case http.StatusNotFound:
			return msgModelMissing
		default:
			return fmt.Sprintf("LLM provider returned an error (HTTP %d).", pe.StatusCode)
		}
	}
	if llm.IsProviderMisconfigured(err) {
		return err.Error()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return msgNoConnection
	}
	return msgGeneric
}

// ChatHistory handles GET /api/sessions/{id}/chat/history.
func (h *Handlers) ChatHistory(c *gin.Context) {
	session, ok := h.requireSession(c)
	if !ok {
		return
	}
	messages, err := h.store.GetMessages(c.Request.Context(), session.ID)
	if err != nil {
		slog.Error("history load failed", "session_id", session.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	out := datatypes.ChatHistoryResponse{Messages: make([]datatypes.MessageResponse, 0, len(messages))}
	for i := range messages {
		out.Messages = append(out.Messages, toMessageResponse(&messages[i]))
	}
	c.JSON(http.StatusOK, out)
}
