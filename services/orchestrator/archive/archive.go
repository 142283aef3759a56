// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive copies audit export reports to object storage so a
// compliance record survives session deletion. Archived reports contain
// blinded payloads only; pseudonyms without the vault are noise.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// Archiver writes audit exports to a GCS bucket. A nil Archiver is valid
// and makes every method a no-op, so callers need no enabled-check.
type Archiver struct {
	client *storage.Client
	bucket string
}

// New builds an Archiver against the named bucket using application
// default credentials. An empty bucket name disables archival and returns
// a nil Archiver.
func New(ctx context.Context, bucket string) (*Archiver, error) {
	if bucket == "" {
		return nil, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

// Enabled reports whether exports will actually be written.
func (a *Archiver) Enabled() bool { return a != nil }

// StoreExport writes one audit export report under
// audit/<session>/<timestamp>.json.
func (a *Archiver) StoreExport(ctx context.Context, sessionID uuid.UUID, report any) error {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode audit export: %w", err)
	}

	object := fmt.Sprintf("audit/%s/%s.json", sessionID, time.Now().UTC().Format("20060102T150405Z"))
	w := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write audit export to gs://%s/%s: %w", a.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalise audit export gs://%s/%s: %w", a.bucket, object, err)
	}
	return nil
}

// Close releases the underlying client.
func (a *Archiver) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}
