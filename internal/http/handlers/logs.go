package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/activity"
	"github.com/joel-Y/WizLock-Tech-App/internal/metrics"
)

// LogsHandler serves the activity log and its manual sync.
type LogsHandler struct {
	logs     *activity.Log
	uploader activity.Uploader
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewLogsHandler(logs *activity.Log, uploader activity.Uploader, m *metrics.Metrics, log zerolog.Logger) *LogsHandler {
	return &LogsHandler{logs: logs, uploader: uploader, metrics: m, log: log}
}

// HandleList handles GET /api/v1/logs
func (h *LogsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.logs.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read activity log")
		respondWithError(w, http.StatusInternalServerError, "failed to read activity log")
		return
	}
	pending, err := h.logs.PendingCount(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to count pending activity")
		respondWithError(w, http.StatusInternalServerError, "failed to read activity log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries, "pending": pending})
}

// HandleSync handles POST /api/v1/logs/sync
func (h *LogsHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		respondWithError(w, http.StatusServiceUnavailable, "log upload is not configured")
		return
	}
	n, err := h.logs.Sync(r.Context(), h.uploader)
	if err != nil {
		h.log.Warn().Err(err).Msg("manual log sync failed")
		respondWithFault(w, err)
		return
	}
	h.metrics.AddLogsSynced(n)
	writeJSON(w, http.StatusOK, map[string]int{"synced": n})
}
