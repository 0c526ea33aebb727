package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// LocationSource lists where devices can be installed.
type LocationSource interface {
	Buildings(ctx context.Context) ([]model.Building, error)
	Floors(ctx context.Context, buildingID string) ([]model.Floor, error)
	Rooms(ctx context.Context, floorID string) ([]model.Room, error)
}

// LocationsHandler proxies the building catalogue of the inventory.
type LocationsHandler struct {
	src LocationSource
}

func NewLocationsHandler(src LocationSource) *LocationsHandler {
	return &LocationsHandler{src: src}
}

// HandleBuildings handles GET /api/v1/locations/buildings
func (h *LocationsHandler) HandleBuildings(w http.ResponseWriter, r *http.Request) {
	out, err := h.src.Buildings(r.Context())
	if err != nil {
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buildings": out})
}

// HandleFloors handles GET /api/v1/locations/buildings/{id}/floors
func (h *LocationsHandler) HandleFloors(w http.ResponseWriter, r *http.Request) {
	out, err := h.src.Floors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"floors": out})
}

// HandleRooms handles GET /api/v1/locations/floors/{id}/rooms
func (h *LocationsHandler) HandleRooms(w http.ResponseWriter, r *http.Request) {
	out, err := h.src.Rooms(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}
