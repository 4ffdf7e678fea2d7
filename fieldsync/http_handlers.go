// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// RecordService is the surface HTTPSyncHandlers needs from the backend service.
// *SyncService implements it; tests substitute fakes.
type RecordService interface {
	UpsertRecord(ctx context.Context, userID, deviceID string, req *RecordUpsert) (*RecordUpsertResponse, error)
	DeleteRecord(ctx context.Context, userID, documentNumber string) (*RecordDeleteResponse, error)
	ListRecords(ctx context.Context, userID string) ([]RemoteRecord, error)
}

// HTTPSyncHandlers provides HTTP handlers for the record sync API
type HTTPSyncHandlers struct {
	service       RecordService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service RecordService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// DocumentNumberFromPath extracts the trailing document number from a request
// path like /sync/records/{documentNumber}. Router-agnostic on purpose so the
// handlers work behind any mux.
func DocumentNumberFromPath(p string) (string, error) {
	documentNumber, err := url.PathUnescape(path.Base(path.Clean(p)))
	if err != nil {
		return "", err
	}
	if documentNumber == "" || documentNumber == "records" || documentNumber == "/" || documentNumber == "." {
		return "", errors.New("missing document number in path")
	}
	return documentNumber, nil
}

// HandleUpsertRecord processes PUT /sync/records/{documentNumber}
func (h *HTTPSyncHandlers) HandleUpsertRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only PUT method is allowed")
		return
	}

	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	documentNumber, err := DocumentNumberFromPath(r.URL.Path)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ReasonMissingDocNumber, err.Error())
		return
	}

	var req RecordUpsert
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ReasonBadPayload, "Failed to parse record upload")
		return
	}
	// The path is authoritative for the key; the body must agree or be silent.
	if req.DocumentNumber == "" {
		req.DocumentNumber = documentNumber
	} else if req.DocumentNumber != documentNumber {
		h.writeError(w, http.StatusBadRequest, ReasonBadPayload, "document_number in body does not match path")
		return
	}

	response, err := h.service.UpsertRecord(r.Context(), userID, deviceID, &req)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, verr.Reason, verr.Message)
			return
		}
		h.logger.Error("Failed to upsert record", "error", err,
			"user_id", userID, "document_number", documentNumber)
		h.writeError(w, http.StatusInternalServerError, "upsert_failed", "Failed to store record")
		return
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleDeleteRecord processes DELETE /sync/records/{documentNumber}
func (h *HTTPSyncHandlers) HandleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only DELETE method is allowed")
		return
	}

	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	documentNumber, err := DocumentNumberFromPath(r.URL.Path)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ReasonMissingDocNumber, err.Error())
		return
	}

	response, err := h.service.DeleteRecord(r.Context(), userID, documentNumber)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, verr.Reason, verr.Message)
			return
		}
		h.logger.Error("Failed to delete record", "error", err,
			"user_id", userID, "document_number", documentNumber)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete record")
		return
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleListRecords processes GET /sync/records
func (h *HTTPSyncHandlers) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	records, err := h.service.ListRecords(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list records", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list records")
		return
	}

	h.writeJSON(w, http.StatusOK, &RecordListResponse{Records: records})
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, &ErrorResponse{Error: code, Message: message})
}
