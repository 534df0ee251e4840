package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/daviddao/persona/pkg/arbiter"
	"github.com/daviddao/persona/pkg/hub"
	"github.com/daviddao/persona/pkg/inbox"
	"github.com/daviddao/persona/pkg/model"
)

// Handler holds the dependencies of every route.
type Handler struct {
	hub    *hub.Hub
	events EventReader
	logger *zap.Logger
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListAgents returns every agent's state.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]any{"agents": h.hub.Agents()})
}

// GetAgent returns one agent with up to ?pending=N queued messages.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	pending := 10
	if s := r.URL.Query().Get("pending"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "pending must be a non-negative integer")
			return
		}
		pending = n
	}
	v, err := h.hub.Agent(chi.URLParam(r, "id"), pending)
	if errors.Is(err, hub.ErrUnknownAgent) {
		h.Error(w, http.StatusNotFound, "agent not found")
		return
	}
	h.JSON(w, http.StatusOK, v)
}

// submitRequest is the body of both submission routes.
type submitRequest struct {
	ID        string          `json:"id"`
	SourceID  string          `json:"source_id"`
	ChannelID string          `json:"channel_id"`
	Domain    model.Domain    `json:"domain"`
	Priority  *float64        `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	// TTL is a Go duration such as "30s"; empty means no expiry.
	TTL string `json:"ttl"`
}

func (h *Handler) decodeMessage(w http.ResponseWriter, r *http.Request) (model.Message, bool) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return model.Message{}, false
	}
	if req.Priority == nil {
		h.Error(w, http.StatusBadRequest, "priority is required")
		return model.Message{}, false
	}
	if req.Domain == "" {
		req.Domain = model.DomainChat
	}
	msg := model.Message{
		ID:        req.ID,
		SourceID:  req.SourceID,
		ChannelID: req.ChannelID,
		Domain:    req.Domain,
		Priority:  *req.Priority,
		CreatedAt: time.Now().UTC(),
		Payload:   req.Payload,
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			h.Error(w, http.StatusBadRequest, "ttl must be a positive duration")
			return model.Message{}, false
		}
		msg.ExpiresAt = msg.CreatedAt.Add(ttl)
	}
	return msg, true
}

// admissionStatus maps an enqueue outcome to an HTTP status.
func admissionStatus(o inbox.Outcome) int {
	switch o {
	case inbox.OutcomeAccepted, inbox.OutcomeEvicted:
		return http.StatusAccepted
	case inbox.OutcomeDuplicate:
		return http.StatusConflict
	case inbox.OutcomeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// SubmitMessage enqueues a message for one agent.
func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.decodeMessage(w, r)
	if !ok {
		return
	}
	adm, err := h.hub.Submit(r.Context(), chi.URLParam(r, "id"), msg)
	switch {
	case errors.Is(err, hub.ErrUnknownAgent):
		h.Error(w, http.StatusNotFound, "agent not found")
		return
	case errors.Is(err, model.ErrInvalidMessage):
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("submit failed", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "submit failed")
		return
	}
	h.JSON(w, admissionStatus(adm.Outcome), adm)
}

// BroadcastStimulus delivers a stimulus to every subscriber of a channel.
func (h *Handler) BroadcastStimulus(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.decodeMessage(w, r)
	if !ok {
		return
	}
	out, err := h.hub.Broadcast(r.Context(), chi.URLParam(r, "id"), msg)
	if errors.Is(err, model.ErrInvalidMessage) {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Warn("broadcast partially failed", zap.Error(err))
	}
	h.JSON(w, http.StatusAccepted, map[string]any{"deliveries": out})
}

// ListClaims returns the arbiter's claims and counters.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	arb := h.hub.Arbiter()
	h.JSON(w, http.StatusOK, struct {
		Claims []model.Claim `json:"claims"`
		Stats  arbiter.Stats `json:"stats"`
	}{arb.Claims(), arb.Stats()})
}

// ListEvents returns journal events with ?since= Lamport stamp and ?limit=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	limit := 100
	q := r.URL.Query()
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = v
	}
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 1000 {
			h.Error(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	evs, err := h.events.ListEvents(r.Context(), since, limit)
	if err != nil {
		h.logger.Error("list events failed", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "list events failed")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"events": evs})
}
