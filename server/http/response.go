// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/absmach/corinth/queue"
	"github.com/absmach/corinth/queue/storage"
	"github.com/absmach/corinth/queue/types"
)

type successResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Result  any    `json:"result"`
}

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Error   bool   `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, message string, result any) {
	writeJSON(w, status, successResponse{Status: status, Message: message, Result: result})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: status, Message: message, Error: true})
}

// encodeError maps service errors to a status and a client message.
func encodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrQueueNotFound):
		writeError(w, http.StatusNotFound, "Queue not found")
	case errors.Is(err, storage.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, storage.ErrQueueAlreadyExists):
		writeError(w, http.StatusConflict, "Queue already exists")
	case errors.Is(err, queue.ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, "Dead letter target not found")
	case errors.Is(err, queue.ErrDeadLetterTarget):
		writeError(w, http.StatusForbidden, "Queue is a dead letter queue")
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusForbidden, "Queue is full")
	case errors.Is(err, queue.ErrNotPersistent):
		writeError(w, http.StatusForbidden, "Nothing to compact: queue is not persistent")
	case errors.Is(err, types.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid queue name")
	case errors.Is(err, types.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
