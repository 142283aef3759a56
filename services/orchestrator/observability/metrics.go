// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// Metrics cover the privacy boundary (entities blinded, threats caught),
// the chat path (requests, durations, token throughput, context strategy)
// and document ingest. Exposed on /metrics for Prometheus scraping.
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "blinder"

// Metrics holds every Prometheus collector the orchestrator records.
// Initialise once at startup via InitMetrics.
type Metrics struct {
	// RequestsTotal counts API requests by endpoint and status.
	// Labels: endpoint (chat, upload, ...), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// EntitiesBlindedTotal counts pseudonyms minted by entity type.
	// Labels: entity_type (PERSON, ORG, ...)
	EntitiesBlindedTotal *prometheus.CounterVec

	// ThreatsDetectedTotal counts sanitiser findings by severity.
	// Labels: threat_type, severity
	ThreatsDetectedTotal *prometheus.CounterVec

	// TokensTotal counts estimated tokens crossing the provider boundary.
	// Labels: direction (input, output), provider, model
	TokensTotal *prometheus.CounterVec

	// ChatDurationSeconds measures the full chat turn.
	// Labels: status (success, error)
	ChatDurationSeconds *prometheus.HistogramVec

	// ContextStrategyTotal counts the strategy picked per chat turn.
	// Labels: strategy (tabular, rag, stuff)
	ContextStrategyTotal *prometheus.CounterVec

	// ActiveChats tracks currently streaming chat requests.
	ActiveChats prometheus.Gauge

	// DocumentsProcessedTotal counts document ingests by outcome.
	// Labels: status (success, blocked, error)
	DocumentsProcessedTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers all collectors with the default registry. Call
// once at startup; a second call panics on duplicate registration.
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics registers the collectors with reg. Tests pass a private
// registry. All helper methods tolerate a nil receiver so callers need
// no guards when metrics are disabled.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		EntitiesBlindedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "entities_blinded_total",
				Help:      "Pseudonyms minted by entity type",
			},
			[]string{"entity_type"},
		),
		ThreatsDetectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "threats_detected_total",
				Help:      "Sanitiser findings by type and severity",
			},
			[]string{"threat_type", "severity"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "llm_tokens_total",
				Help:      "Estimated tokens sent to and received from providers",
			},
			[]string{"direction", "provider", "model"},
		),
		ChatDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "chat_duration_seconds",
				Help:      "Full chat turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		ContextStrategyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "context_strategy_total",
				Help:      "Context strategy picked per chat turn",
			},
			[]string{"strategy"},
		),
		ActiveChats: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_chats",
				Help:      "Currently streaming chat requests",
			},
		),
		DocumentsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "documents_processed_total",
				Help:      "Document ingests by outcome",
			},
			[]string{"status"},
		),
	}
}

// =============================================================================
// Helper methods
// =============================================================================

// RecordRequest records one completed API request.
func (m *Metrics) RecordRequest(endpoint string, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, statusLabel(success)).Inc()
}

// RecordEntities adds newly minted pseudonym counts by type.
func (m *Metrics) RecordEntities(byType map[string]int) {
	if m == nil {
		return
	}
	for entityType, n := range byType {
		m.EntitiesBlindedTotal.WithLabelValues(entityType).Add(float64(n))
	}
}

// RecordThreat records one sanitiser finding.
func (m *Metrics) RecordThreat(threatType, severity string) {
	if m == nil {
		return
	}
	m.ThreatsDetectedTotal.WithLabelValues(threatType, severity).Inc()
}

// RecordTokens records estimated token throughput for one turn.
func (m *Metrics) RecordTokens(input, output int, provider, model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input", provider, model).Add(float64(input))
	m.TokensTotal.WithLabelValues("output", provider, model).Add(float64(output))
}

// RecordChatDuration records one chat turn's wall time.
func (m *Metrics) RecordChatDuration(seconds float64, success bool) {
	if m == nil {
		return
	}
	m.ChatDurationSeconds.WithLabelValues(statusLabel(success)).Observe(seconds)
}

// RecordStrategy records the context strategy used for one turn.
func (m *Metrics) RecordStrategy(strategy string) {
	if m == nil {
		return
	}
	m.ContextStrategyTotal.WithLabelValues(strategy).Inc()
}

// ChatStarted and ChatEnded bracket one streaming request.
func (m *Metrics) ChatStarted() {
	if m == nil {
		return
	}
	m.ActiveChats.Inc()
}

func (m *Metrics) ChatEnded() {
	if m == nil {
		return
	}
	m.ActiveChats.Dec()
}

// RecordDocument records one document ingest outcome.
func (m *Metrics) RecordDocument(status string) {
	if m == nil {
		return
	}
	m.DocumentsProcessedTotal.WithLabelValues(status).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
