// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/corinth/queue/storage"
	"github.com/absmach/corinth/queue/types"
)

const maxBodyBytes = 16 << 20

type infoResponse struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	UptimeMs   int64  `json:"uptime_ms"`
	UptimeSecs int64  `json:"uptime_secs"`
	StartedAt  int64  `json:"started_at"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	writeSuccess(w, http.StatusOK, "Server info retrieved successfully", infoResponse{
		Name:       serverName,
		Version:    s.config.Version,
		UptimeMs:   uptime.Milliseconds(),
		UptimeSecs: int64(uptime / time.Second),
		StartedAt:  s.startedAt.Unix(),
	})
}

type queueList struct {
	Items  []types.QueueInfo `json:"items"`
	Length int               `json:"length"`
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	infos, err := s.svc.ListQueues(r.Context())
	if err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Queue list retrieved successfully", map[string]queueList{
		"queues": {Items: infos, Length: len(infos)},
	})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetQueue(r.Context(), r.PathValue("name"))
	if err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Queue info retrieved successfully", map[string]types.QueueInfo{"queue": info})
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := types.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid queue name")
		return
	}

	q := r.URL.Query()
	cfg := types.QueueConfig{
		Name:              name,
		RequeueTime:       s.config.Defaults.RequeueTime,
		DeduplicationTime: s.config.Defaults.DeduplicationTime,
		Persistent:        q.Get("persistent") == "" || q.Get("persistent") == "true",
	}

	var err error
	if cfg.RequeueTime, err = queryUint32(q.Get("requeue_time"), cfg.RequeueTime); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid time argument")
		return
	}
	if cfg.DeduplicationTime, err = queryUint32(q.Get("deduplication_time"), cfg.DeduplicationTime); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid time argument")
		return
	}
	if v := q.Get("max_length"); v != "" {
		if cfg.MaxLength, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid max_length argument")
			return
		}
	}

	if target := q.Get("dead_letter_queue_name"); target != "" {
		threshold := s.config.Defaults.DeadLetterThreshold
		if v := q.Get("dead_letter_queue_threshold"); v != "" {
			t, err := strconv.ParseUint(v, 10, 16)
			if err != nil || t == 0 {
				writeError(w, http.StatusBadRequest, "Invalid dead letter threshold")
				return
			}
			threshold = uint16(t)
		}
		cfg.DeadLetter = &types.DeadLetter{Name: target, Threshold: threshold}
	}

	info, err := s.svc.CreateQueue(r.Context(), cfg)
	if err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Queue created successfully", map[string]types.QueueInfo{"queue": info})
}

func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	var u types.QueueUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	info, err := s.svc.UpdateQueue(r.Context(), r.PathValue("name"), u)
	if err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Queue edited successfully", map[string]types.QueueInfo{"queue": info})
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteQueue(r.Context(), r.PathValue("name")); err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Queue deleted successfully", nil)
}

type enqueueRequest struct {
	Messages []types.NewMessage `json:"messages"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || !s.validBatch(req.Messages) {
		writeError(w, http.StatusBadRequest,
			"body.messages must be an array of at most "+strconv.Itoa(s.config.Defaults.MaxBatchSize)+
				" { item: object, deduplication_id?: string } entries")
		return
	}

	name := r.PathValue("name")
	q := r.URL.Query()
	if q.Get("create_queue") == "true" {
		if err := s.ensureQueue(r, name, q.Get("persistent_queue") != "false"); err != nil {
			encodeError(w, err)
			return
		}
	}

	res, err := s.svc.Enqueue(r.Context(), name, req.Messages)
	if err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, "Request processed successfully", res)
}

func (s *Server) validBatch(msgs []types.NewMessage) bool {
	if len(msgs) == 0 || len(msgs) > s.config.Defaults.MaxBatchSize {
		return false
	}
	for _, m := range msgs {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(m.Item, &obj); err != nil || obj == nil {
			return false
		}
	}
	return true
}

// ensureQueue creates the queue with default settings unless it exists.
func (s *Server) ensureQueue(r *http.Request, name string, persistent bool) error {
	_, err := s.svc.GetQueue(r.Context(), name)
	if !errors.Is(err, storage.ErrQueueNotFound) {
		return err
	}

	_, err = s.svc.CreateQueue(r.Context(), types.QueueConfig{
		Name:              name,
		RequeueTime:       s.config.Defaults.RequeueTime,
		DeduplicationTime: s.config.Defaults.DeduplicationTime,
		Persistent:        persistent,
	})
	if errors.Is(err, storage.ErrQueueAlreadyExists) {
		return nil
	}
	return err
}

type dequeueResponse struct {
	Items    []*types.Message `json:"items"`
	NumItems int              `json:"num_items"`
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount := 1
	if v := q.Get("amount"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > s.config.Defaults.MaxDequeueAmount {
			writeError(w, http.StatusBadRequest, "Invalid amount parameter")
			return
		}
		amount = n
	}

	msgs, err := s.svc.Dequeue(r.Context(), r.PathValue("name"), amount, q.Get("ack") == "true")
	if err != nil && len(msgs) == 0 {
		encodeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeSuccess(w, http.StatusOK, "Request processed successfully", dequeueResponse{Items: msgs, NumItems: len(msgs)})
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.Peek(r.Context(), r.PathValue("name"))
	if err != nil {
		encodeError(w, err)
		return
	}
	if msg == nil {
		writeSuccess(w, http.StatusOK, "Queue is empty", map[string]any{"item": nil})
		return
	}
	writeSuccess(w, http.StatusOK, "Message retrieved successfully", map[string]*types.Message{"item": msg})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ack(r.Context(), r.PathValue("name"), r.PathValue("message")); err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Message reception acknowledged", nil)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Purge(r.Context(), r.PathValue("name")); err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Queue purged successfully", nil)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Compact(r.Context(), r.PathValue("name")); err != nil {
		encodeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Queue compacted successfully", nil)
}

func queryUint32(v string, def uint32) (uint32, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
