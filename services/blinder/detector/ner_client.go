// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// nerLabelMap translates model labels to vault entity types. Labels absent
// from the map are dropped.
var nerLabelMap = map[string]string{
	"PERSON": "PERSON",
	"ORG":    "ORG",
	"GPE":    "LOCATION",
	"DATE":   "DATE",
	"LAW":    "LEGAL_REF",
	"NORP":   "NORP",
}

// NERClient calls the external named-entity recognition service. The model
// itself lives outside this process; the first request pays the service's
// model-load cost, not ours.
type NERClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewNERClient returns a client for the NER service at baseURL, or nil when
// baseURL is empty (model gate disabled).
func NewNERClient(baseURL string) *NERClient {
	if baseURL == "" {
		return nil
	}
	return &NERClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type nerRequest struct {
	Text string `json:"text"`
}

type nerEntity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type nerResponse struct {
	Entities []nerEntity `json:"entities"`
}

// Detect sends text to the NER service and maps its entities to spans with
// the fixed model-gate confidence.
func (c *NERClient) Detect(ctx context.Context, text string) ([]Span, error) {
	body, err := json.Marshal(nerRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal NER request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ner", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build NER request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("NER service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("NER service returned %d: %s", resp.StatusCode, string(payload))
	}

	var parsed nerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode NER response: %w", err)
	}

	var spans []Span
	for _, e := range parsed.Entities {
		label, ok := nerLabelMap[e.Label]
		if !ok {
			continue
		}
		spans = append(spans, Span{
			Text:       e.Text,
			Label:      label,
			Start:      e.Start,
			End:        e.End,
			Confidence: nerConfidence,
			Gate:       GateNER,
		})
	}
	return spans, nil
}
