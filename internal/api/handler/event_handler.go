package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/beaconhq/event-pipeline/internal/domain"
	"github.com/beaconhq/event-pipeline/internal/pipeline"
)

// EventHandler handles item submission and manual flush endpoints.
type EventHandler struct {
	p      *pipeline.Pipeline
	logger *zap.Logger
}

func NewEventHandler(p *pipeline.Pipeline, logger *zap.Logger) *EventHandler {
	return &EventHandler{p: p, logger: logger}
}

// Submit handles POST /api/v1/events
//
// @Summary     Submit an item for delivery
// @Tags        events
// @Accept      json
// @Produce     json
// @Param       body  body      domain.SubmitRequest  true  "Item payload"
// @Success     202   {object}  map[string]string
// @Failure     403   {object}  map[string]string
// @Failure     422   {object}  map[string]string
// @Failure     503   {object}  map[string]string
// @Router      /api/v1/events [post]
func (h *EventHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := h.p.Submit(req)
	if err != nil {
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "accepted",
	})
}

// Flush handles POST /api/v1/flush
//
// Forces an immediate cut of everything currently queued. Returns once the
// cuts have been handed to the delivery coordinator, not once delivered.
//
// @Summary  Flush the queue now
// @Tags     events
// @Produce  json
// @Success  202  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /api/v1/flush [post]
func (h *EventHandler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.p.FlushNow(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "flushed"})
}
