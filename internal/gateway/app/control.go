package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/israasaleh/flashcard-gateway/internal/gateway/lifecycle"
	gwerrors "github.com/israasaleh/flashcard-gateway/internal/platform/errors"
)

// Control message types accepted on /gateway/control.
const (
	controlSkipWaiting = "SKIP_WAITING"
	controlSyncNow     = "SYNC_NOW"
)

// lifecycleController is the slice of the lifecycle manager the control
// surface needs.
type lifecycleController interface {
	SkipWaiting(ctx context.Context) error
	State() lifecycle.State
	Version() string
}

// armer triggers a sync attempt without blocking the caller.
type armer interface {
	Arm()
}

// mutationCounter reports how many mutations are waiting for replay.
type mutationCounter interface {
	CountMutations(ctx context.Context) (int, error)
}

// clientCounter reports how many event-stream subscribers are attached.
type clientCounter interface {
	ClientCount() int
}

type controlRequest struct {
	Type string `json:"type"`
}

type controlResponse struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type statusResponse struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Queued  int    `json:"queued"`
	Clients int    `json:"clients"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode control response: %v", err)
	}
}

func writeControlError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: message}})
}

type controlHandler struct {
	manager lifecycleController
	probe   armer
}

func newControlHandler(manager lifecycleController, probe armer) *controlHandler {
	return &controlHandler{manager: manager, probe: probe}
}

func (h *controlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeControlError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "control messages must be POSTed")
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeControlError(w, http.StatusBadRequest, "BAD_CONTROL_MESSAGE", "control body must be JSON with a type field")
		return
	}

	switch req.Type {
	case controlSkipWaiting:
		if err := h.manager.SkipWaiting(r.Context()); err != nil {
			if errors.Is(err, gwerrors.New(gwerrors.CodeActivateNotWaiting, "")) {
				writeControlError(w, http.StatusConflict, string(gwerrors.CodeActivateNotWaiting), err.Error())
				return
			}
			log.Printf("skip waiting failed: %v", err)
			writeControlError(w, http.StatusInternalServerError, string(gwerrors.CodeUnknown), "activation failed")
			return
		}
		writeJSON(w, http.StatusOK, controlResponse{Type: req.Type, State: h.manager.State().String()})
	case controlSyncNow:
		if h.probe != nil {
			h.probe.Arm()
		}
		writeJSON(w, http.StatusAccepted, controlResponse{Type: req.Type, State: h.manager.State().String()})
	default:
		writeControlError(w, http.StatusBadRequest, "BAD_CONTROL_MESSAGE", "unknown control type "+req.Type)
	}
}

type statusHandler struct {
	manager lifecycleController
	queue   mutationCounter
	hub     clientCounter
}

func newStatusHandler(manager lifecycleController, queue mutationCounter, hub clientCounter) *statusHandler {
	return &statusHandler{manager: manager, queue: queue, hub: hub}
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeControlError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "status is read-only")
		return
	}

	queued, err := h.queue.CountMutations(r.Context())
	if err != nil {
		log.Printf("count queued mutations: %v", err)
		writeControlError(w, http.StatusInternalServerError, string(gwerrors.CodeUnknown), "queue unavailable")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Version: h.manager.Version(),
		State:   h.manager.State().String(),
		Queued:  queued,
		Clients: h.hub.ClientCount(),
	})
}
