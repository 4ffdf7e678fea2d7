// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/fieldops/go-fieldsync/fieldsync"
)

// uploadRecord writes one finalized record to the backend, keyed by its
// document number. The backend upsert is idempotent, so retrying after an
// interrupted upload can never duplicate or double-count.
func (c *Client) uploadRecord(ctx context.Context, rec *FinalizedRecord, identifiers []string) (*fieldsync.RecordUpsertResponse, error) {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	body := &fieldsync.RecordUpsert{
		DocumentNumber: rec.DocumentNumber,
		CreatedAt:      rec.CreatedAt,
		Total:          rec.Total,
		Snapshot:       snapshot,
		Attributes:     rec.Attributes,
		Identifiers:    identifiers,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload request: %w", err)
	}

	endpoint := c.BaseURL + "/sync/records/" + url.PathEscape(rec.DocumentNumber)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &RemoteError{Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &RemoteError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var upsertResp fieldsync.RecordUpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&upsertResp); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return &upsertResp, nil
}

// deleteRemoteRecord issues the compensating delete for a locally deleted
// record. The backend removes the record and every ledger identifier it owned.
func (c *Client) deleteRemoteRecord(ctx context.Context, documentNumber string) error {
	endpoint := c.BaseURL + "/sync/records/" + url.PathEscape(documentNumber)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return &RemoteError{Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &RemoteError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.Token == nil {
		return nil
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
