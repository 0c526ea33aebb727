package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/middleware"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/provision"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// ProvisioningHandler exposes discovery and provisioning runs.
type ProvisioningHandler struct {
	coord    *provision.Coordinator
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewProvisioningHandler(coord *provision.Coordinator, log zerolog.Logger) *ProvisioningHandler {
	return &ProvisioningHandler{
		coord: coord,
		upgrader: websocket.Upgrader{
			// the portal is served from the technician's own device
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

type scanRequest struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

func (req scanRequest) kind() (model.DeviceKind, error) {
	if req.Type == "" {
		return "", nil
	}
	return model.ParseDeviceKind(req.Type)
}

// HandleScan handles POST /api/v1/scan
func (h *ProvisioningHandler) HandleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	kind, err := req.kind()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	devices, err := h.coord.Scan(r.Context(), kind)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// HandleScanQR handles POST /api/v1/scan/qr
func (h *ProvisioningHandler) HandleScanQR(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "code is required")
		return
	}
	kind, err := req.kind()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.coord.ScanQR(r.Context(), req.Code, kind)
	if err != nil {
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": d})
}

// startRequest is the request body for POST /api/v1/provisioning
type startRequest struct {
	MACAddress   string `json:"macAddress"`
	Type         string `json:"type"`
	BuildingID   string `json:"buildingId"`
	FloorID      string `json:"floorId"`
	RoomID       string `json:"roomId"`
	Alias        string `json:"alias"`
	Notes        string `json:"notes"`
	WiFiSSID     string `json:"wifiSsid"`
	WiFiPassword string `json:"wifiPassword"`
}

// HandleStart handles POST /api/v1/provisioning. The run continues in the
// background; follow it with GET /{id} or the events stream.
func (h *ProvisioningHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := scanRequest{Type: body.Type}.kind()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if body.MACAddress != "" {
		if _, err := h.coord.Select(r.Context(), body.MACAddress); err != nil {
			respondWithFault(w, err)
			return
		}
	}

	st, err := h.coord.Start(r.Context(), provision.Request{
		Kind: kind,
		Location: model.Location{
			BuildingID: body.BuildingID,
			FloorID:    body.FloorID,
			RoomID:     body.RoomID,
		},
		Alias:        body.Alias,
		Notes:        body.Notes,
		WiFiSSID:     body.WiFiSSID,
		WiFiPassword: body.WiFiPassword,
		Technician:   sess.Username,
	})
	if err != nil {
		respondWithFault(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/provisioning/"+st.RunID)
	writeJSON(w, http.StatusAccepted, st)
}

// HandleGet handles GET /api/v1/provisioning/{id}
func (h *ProvisioningHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.coord.Status(chi.URLParam(r, "id"))
	if err != nil {
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleCancel handles DELETE /api/v1/provisioning/{id}. Cancellation is
// asynchronous: the run reports Cancelled once its remote records are gone.
func (h *ProvisioningHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coord.Cancel(id); err != nil {
		respondWithFault(w, err)
		return
	}
	st, _ := h.coord.Status(id)
	writeJSON(w, http.StatusAccepted, st)
}

// HandleHistory handles GET /api/v1/provisioning/history
func (h *ProvisioningHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := h.coord.History(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load provisioning history")
		respondWithError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	unfinished, err := h.coord.Unfinished(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to list unfinished devices")
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "unfinished": unfinished})
}

// HandleEvents handles GET /api/v1/provisioning/{id}/events. It upgrades to
// a websocket, sends the current status and then every change of the run
// until it ends.
func (h *ProvisioningHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// subscribe before reading the snapshot so no transition slips through
	sub := h.coord.Subscribe()
	defer sub.Close()

	current, err := h.coord.Status(id)
	if err != nil {
		respondWithFault(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("run", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// the read loop only consumes control frames and notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(st provision.Status) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(st) == nil
	}
	if !send(current) {
		return
	}
	if current.State.Terminal() {
		h.closeStream(conn)
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case st := <-sub.Updates():
			if st.RunID != id {
				continue
			}
			if !send(st) {
				return
			}
			if st.State.Terminal() {
				h.closeStream(conn)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *ProvisioningHandler) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
