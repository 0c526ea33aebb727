package sim

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// Vendor error codes returned by the simulated cloud.
const (
	ErrCodeInvalidToken = 10003
	ErrCodeLockExists   = -3007
	ErrCodeNoSuchLock   = -3003
	ErrCodeBadParam     = 90000
)

// Cloud imitates the lock vendor's open API. Requests carrying an
// Idempotency-Key already seen on the same route get the original answer
// replayed.
type Cloud struct {
	clientID    string
	accessToken string
	faults      faults

	mu       sync.Mutex
	nextID   int64
	replays  map[string][]byte
	locks    map[string]int64
	gateways map[string]int64
	keys     map[int64]int64
	calls    map[string]int
}

func NewCloud(clientID, accessToken string) *Cloud {
	return &Cloud{
		clientID:    clientID,
		accessToken: accessToken,
		nextID:      10000,
		replays:     make(map[string][]byte),
		locks:       make(map[string]int64),
		gateways:    make(map[string]int64),
		keys:        make(map[int64]int64),
		calls:       make(map[string]int),
	}
}

func (c *Cloud) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/lock/initialize", c.faults.middleware("lock/initialize", c.handle("lock/initialize", c.lockInitialize)))
	r.Post("/key/send", c.faults.middleware("key/send", c.handle("key/send", c.keySend)))
	r.Post("/gateway/isInit", c.faults.middleware("gateway/isInit", c.handle("gateway/isInit", c.gatewayInit)))
	r.Post("/lock/updateDate", c.faults.middleware("lock/updateDate", c.handle("lock/updateDate", c.lockUpdateDate)))
	r.Post("/lock/delete", c.faults.middleware("lock/delete", c.handle("lock/delete", c.lockDelete)))
	return r
}

// Fail answers the next n calls to route (e.g. "lock/initialize") with status.
func (c *Cloud) Fail(route string, n, status int) {
	c.faults.set(route, n, status)
}

func (c *Cloud) LockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

func (c *Cloud) GatewayCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gateways)
}

// LockID returns the id bound to mac, or 0.
func (c *Cloud) LockID(mac string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[mac]
}

// Calls counts requests that reached route, replays included.
func (c *Cloud) Calls(route string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[route]
}

type cloudHandler func(r *http.Request) map[string]any

func (c *Cloud) handle(route string, h cloudHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeCloud(w, map[string]any{"errcode": ErrCodeBadParam, "errmsg": "invalid form"})
			return
		}
		if r.PostForm.Get("clientId") != c.clientID || r.PostForm.Get("accessToken") != c.accessToken {
			writeCloud(w, map[string]any{"errcode": ErrCodeInvalidToken, "errmsg": "invalid token"})
			return
		}

		key := r.Header.Get("Idempotency-Key")

		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls[route]++
		if key != "" {
			if body, ok := c.replays[route+"|"+key]; ok {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(body)
				return
			}
		}

		resp := h(r)
		if _, ok := resp["errcode"]; !ok {
			resp["errcode"] = 0
			resp["errmsg"] = "success"
		}
		body, _ := json.Marshal(resp)
		if key != "" && resp["errcode"] == 0 {
			c.replays[route+"|"+key] = body
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

// handlers below run with mu held

func (c *Cloud) lockInitialize(r *http.Request) map[string]any {
	var rec model.ActivationRecord
	if err := json.Unmarshal([]byte(r.PostForm.Get("lockData")), &rec); err != nil || rec.LockMAC == "" {
		return map[string]any{"errcode": ErrCodeBadParam, "errmsg": "invalid lockData"}
	}
	mac := model.NormalizeMAC(rec.LockMAC)
	if _, exists := c.locks[mac]; exists {
		return map[string]any{"errcode": ErrCodeLockExists, "errmsg": "lock already exists"}
	}
	c.nextID++
	lockID := c.nextID
	c.nextID++
	keyID := c.nextID
	c.locks[mac] = lockID
	c.keys[lockID] = keyID
	return map[string]any{"lockId": lockID, "keyId": keyID}
}

func (c *Cloud) keySend(r *http.Request) map[string]any {
	lockID, _ := strconv.ParseInt(r.PostForm.Get("lockId"), 10, 64)
	if !c.hasLock(lockID) {
		return map[string]any{"errcode": ErrCodeNoSuchLock, "errmsg": "lock does not exist"}
	}
	if r.PostForm.Get("receiverUsername") == "" {
		return map[string]any{"errcode": ErrCodeBadParam, "errmsg": "receiverUsername required"}
	}
	c.nextID++
	return map[string]any{"keyId": c.nextID}
}

func (c *Cloud) gatewayInit(r *http.Request) map[string]any {
	mac := model.NormalizeMAC(r.PostForm.Get("gatewayNetMac"))
	if mac == "" {
		return map[string]any{"errcode": ErrCodeBadParam, "errmsg": "gatewayNetMac required"}
	}
	if _, exists := c.gateways[mac]; exists {
		return map[string]any{"errcode": ErrCodeLockExists, "errmsg": "gateway already exists"}
	}
	c.nextID++
	c.gateways[mac] = c.nextID
	return map[string]any{"gatewayId": c.nextID}
}

func (c *Cloud) lockUpdateDate(r *http.Request) map[string]any {
	lockID, _ := strconv.ParseInt(r.PostForm.Get("lockId"), 10, 64)
	if !c.hasLock(lockID) {
		return map[string]any{"errcode": ErrCodeNoSuchLock, "errmsg": "lock does not exist"}
	}
	return map[string]any{}
}

func (c *Cloud) lockDelete(r *http.Request) map[string]any {
	lockID, _ := strconv.ParseInt(r.PostForm.Get("lockId"), 10, 64)
	for mac, id := range c.locks {
		if id == lockID {
			delete(c.locks, mac)
			delete(c.keys, id)
			return map[string]any{}
		}
	}
	return map[string]any{"errcode": ErrCodeNoSuchLock, "errmsg": "lock does not exist"}
}

func (c *Cloud) hasLock(id int64) bool {
	for _, v := range c.locks {
		if v == id {
			return true
		}
	}
	return false
}

func writeCloud(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
