package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/provision"
)

// DiagnosticsHandler exposes the maintenance tools.
type DiagnosticsHandler struct {
	diag *provision.Diagnostics
	log  zerolog.Logger
}

func NewDiagnosticsHandler(diag *provision.Diagnostics, log zerolog.Logger) *DiagnosticsHandler {
	return &DiagnosticsHandler{diag: diag, log: log}
}

// HandleRun handles POST /api/v1/diagnostics/run
func (h *DiagnosticsHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	rep, err := h.diag.Run(r.Context())
	if err != nil {
		body := errorBody{Error: err.Error(), Log: rep.Log}
		if errors.Is(err, provision.ErrNoLockNearby) {
			writeJSON(w, http.StatusNotFound, body)
			return
		}
		writeJSON(w, statusFor(err), body)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// HandleFirmware handles POST /api/v1/diagnostics/{mac}/firmware
func (h *DiagnosticsHandler) HandleFirmware(w http.ResponseWriter, r *http.Request) {
	rep, err := h.diag.Firmware(r.Context(), chi.URLParam(r, "mac"))
	if err != nil {
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// HandleReset handles POST /api/v1/diagnostics/{mac}/reset
func (h *DiagnosticsHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	mac := chi.URLParam(r, "mac")
	if err := h.diag.Reset(r.Context(), mac); err != nil {
		h.log.Warn().Err(err).Msg("factory reset failed")
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Lock reset complete"})
}

// HandleSignal handles GET /api/v1/diagnostics/{mac}/signal
func (h *DiagnosticsHandler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	rep, err := h.diag.Signal(r.Context(), chi.URLParam(r, "mac"))
	if err != nil {
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
