package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/event-pipeline/internal/gate"
)

// AdmissionHandler exposes the admission gate to the external consent or
// quota source. The core owns no UI; this is its only inbound control path.
type AdmissionHandler struct {
	gate   *gate.AdmissionGate
	logger *zap.Logger
}

func NewAdmissionHandler(g *gate.AdmissionGate, logger *zap.Logger) *AdmissionHandler {
	return &AdmissionHandler{gate: g, logger: logger}
}

type admissionState struct {
	Allowed   bool      `json:"allowed"`
	ChangedAt time.Time `json:"changed_at"`
}

// Get handles GET /api/v1/admission
//
// @Summary  Current admission state
// @Tags     admission
// @Produce  json
// @Success  200  {object}  admissionState
// @Router   /api/v1/admission [get]
func (h *AdmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, admissionState{
		Allowed:   h.gate.Allowed(),
		ChangedAt: h.gate.ChangedAt(),
	})
}

// Set handles PUT /api/v1/admission
//
// @Summary  Toggle collection on or off
// @Tags     admission
// @Accept   json
// @Produce  json
// @Param    body  body      object{allowed=bool}  true  "New state"
// @Success  200   {object}  admissionState
// @Failure  400   {object}  map[string]string
// @Router   /api/v1/admission [put]
func (h *AdmissionHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Allowed *bool `json:"allowed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Allowed == nil {
		respondError(w, http.StatusBadRequest, "body must contain an 'allowed' boolean")
		return
	}

	h.gate.SetAllowed(*req.Allowed)
	h.logger.Info("admission state changed", zap.Bool("allowed", *req.Allowed))

	respondJSON(w, http.StatusOK, admissionState{
		Allowed:   h.gate.Allowed(),
		ChangedAt: h.gate.ChangedAt(),
	})
}
