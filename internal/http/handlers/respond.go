package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/inventory"
	"github.com/joel-Y/WizLock-Tech-App/internal/provision"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// errorBody carries the classification of provisioning and device errors.
type errorBody struct {
	Error     string          `json:"error"`
	Stage     provision.State `json:"stage,omitempty"`
	Kind      fault.Kind      `json:"kind,omitempty"`
	Resumable bool            `json:"resumable"`
	Log       []string        `json:"log,omitempty"`
}

// respondWithFault maps err to a status code and a classified error body.
func respondWithFault(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: fault.KindOf(err)}
	var se *provision.StageError
	if errors.As(err, &se) {
		body.Stage = se.Stage
		body.Resumable = se.Resumable
	}
	writeJSON(w, statusFor(err), body)
}

func statusFor(err error) int {
	var invErr *inventory.RejectedError
	switch {
	case errors.Is(err, provision.ErrBusy), errors.Is(err, ble.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, provision.ErrFinished):
		return http.StatusConflict
	case errors.Is(err, provision.ErrRunNotFound), errors.Is(err, provision.ErrNoLockNearby):
		return http.StatusNotFound
	case errors.Is(err, ble.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provision.ErrNoDevice):
		return http.StatusBadRequest
	case errors.As(err, &invErr) && invErr.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	}
	switch fault.KindOf(err) {
	case fault.Rejected:
		return http.StatusUnprocessableEntity
	case fault.Transient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
