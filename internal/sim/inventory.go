package sim

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// APIKeyHeader authenticates calls to the inventory when a key is configured.
const APIKeyHeader = "X-API-Key"

// Inventory imitates the building-management backend: the site catalogue,
// device registrations and the bulk log sink.
type Inventory struct {
	catalog Catalog
	apiKey  string
	faults  faults

	mu           sync.Mutex
	nextID       int
	regs         map[string]inventoryRecord // by idempotency key
	byMAC        map[string]string          // mac -> idempotency key
	logs         map[string]model.ActivityLog
	logKeys      map[string]int
	registerHook func(model.RegistrationPayload)
}

type inventoryRecord struct {
	ID      string                    `json:"id"`
	Payload model.RegistrationPayload `json:"payload"`
}

func NewInventory(catalog Catalog, apiKey string) *Inventory {
	return &Inventory{
		catalog: catalog,
		apiKey:  apiKey,
		regs:    make(map[string]inventoryRecord),
		byMAC:   make(map[string]string),
		logs:    make(map[string]model.ActivityLog),
		logKeys: make(map[string]int),
	}
}

func (inv *Inventory) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(inv.requireKey)
	r.Route("/locations", func(r chi.Router) {
		r.Get("/buildings", inv.faults.middleware("locations", inv.listBuildings))
		r.Get("/buildings/{id}/floors", inv.faults.middleware("locations", inv.listFloors))
		r.Get("/floors/{id}/rooms", inv.faults.middleware("locations", inv.listRooms))
	})
	r.Post("/devices/register", inv.faults.middleware("devices/register", inv.register))
	r.Delete("/devices/register/{key}", inv.unregister)
	r.Post("/logs/bulk", inv.faults.middleware("logs/bulk", inv.bulkLogs))
	return r
}

// Fail answers the next n calls to route ("locations", "devices/register" or
// "logs/bulk") with status.
func (inv *Inventory) Fail(route string, n, status int) {
	inv.faults.set(route, n, status)
}

// OnRegister installs a hook run after a registration is stored and before
// the response is written.
func (inv *Inventory) OnRegister(fn func(model.RegistrationPayload)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.registerHook = fn
}

// Registrations returns the stored payloads.
func (inv *Inventory) Registrations() []model.RegistrationPayload {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]model.RegistrationPayload, 0, len(inv.regs))
	for _, rec := range inv.regs {
		out = append(out, rec.Payload)
	}
	return out
}

// Registration returns the payload stored for mac.
func (inv *Inventory) Registration(mac string) (model.RegistrationPayload, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	key, ok := inv.byMAC[model.NormalizeMAC(mac)]
	if !ok {
		return model.RegistrationPayload{}, false
	}
	return inv.regs[key].Payload, true
}

// UploadedLogs returns every distinct log entry received.
func (inv *Inventory) UploadedLogs() []model.ActivityLog {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]model.ActivityLog, 0, len(inv.logs))
	for _, l := range inv.logs {
		out = append(out, l)
	}
	return out
}

func (inv *Inventory) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inv.apiKey != "" && r.Header.Get(APIKeyHeader) != inv.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (inv *Inventory) listBuildings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, inv.catalog.buildings())
}

func (inv *Inventory) listFloors(w http.ResponseWriter, r *http.Request) {
	floors, ok := inv.catalog.floors(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "building not found"})
		return
	}
	writeJSON(w, http.StatusOK, floors)
}

func (inv *Inventory) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, ok := inv.catalog.rooms(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "floor not found"})
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (inv *Inventory) register(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Idempotency-Key header is required"})
		return
	}
	var p model.RegistrationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	p.MACAddress = model.NormalizeMAC(p.MACAddress)
	if err := validateRegistration(inv.catalog, p); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	inv.mu.Lock()
	if rec, ok := inv.regs[key]; ok {
		inv.mu.Unlock()
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if _, ok := inv.byMAC[p.MACAddress]; ok {
		inv.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "device already registered"})
		return
	}
	inv.nextID++
	rec := inventoryRecord{ID: fmt.Sprintf("dev-%04d", inv.nextID), Payload: p}
	inv.regs[key] = rec
	inv.byMAC[p.MACAddress] = key
	hook := inv.registerHook
	inv.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (inv *Inventory) unregister(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	inv.mu.Lock()
	defer inv.mu.Unlock()
	rec, ok := inv.regs[key]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "registration not found"})
		return
	}
	delete(inv.regs, key)
	delete(inv.byMAC, rec.Payload.MACAddress)
	w.WriteHeader(http.StatusNoContent)
}

func (inv *Inventory) bulkLogs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Logs []model.ActivityLog `json:"logs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if n, seen := inv.logKeys[key]; seen {
			writeJSON(w, http.StatusAccepted, map[string]int{"accepted": n})
			return
		}
		inv.logKeys[key] = len(body.Logs)
	}
	for _, l := range body.Logs {
		inv.logs[l.ID] = l
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(body.Logs)})
}

func validateRegistration(c Catalog, p model.RegistrationPayload) error {
	if p.DeviceType != model.KindLock && p.DeviceType != model.KindGateway {
		return fmt.Errorf("invalid deviceType %q", p.DeviceType)
	}
	if p.MACAddress == "" {
		return fmt.Errorf("macAddress is required")
	}
	if p.CloudID == 0 {
		return fmt.Errorf("cloudId is required")
	}
	if p.TechnicianID == "" {
		return fmt.Errorf("technicianId is required")
	}
	loc := model.Location{BuildingID: p.BuildingID, FloorID: p.FloorID, RoomID: p.RoomID}
	if err := loc.Validate(p.DeviceType); err != nil {
		return err
	}
	if !c.hasLocation(p.BuildingID, p.FloorID, p.RoomID) {
		return fmt.Errorf("unknown location %s/%s/%s", p.BuildingID, p.FloorID, p.RoomID)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
