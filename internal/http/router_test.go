package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joel-Y/WizLock-Tech-App/internal/activity"
	"github.com/joel-Y/WizLock-Tech-App/internal/auth"
	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/cloud"
	httpapi "github.com/joel-Y/WizLock-Tech-App/internal/http"
	"github.com/joel-Y/WizLock-Tech-App/internal/inventory"
	"github.com/joel-Y/WizLock-Tech-App/internal/lockproto"
	"github.com/joel-Y/WizLock-Tech-App/internal/metrics"
	"github.com/joel-Y/WizLock-Tech-App/internal/middleware"
	"github.com/joel-Y/WizLock-Tech-App/internal/provision"
	"github.com/joel-Y/WizLock-Tech-App/internal/session"
	"github.com/joel-Y/WizLock-Tech-App/internal/sim"
	"github.com/joel-Y/WizLock-Tech-App/internal/store"
	"github.com/joel-Y/WizLock-Tech-App/internal/util"
)

const lockMAC = "AA:BB:CC:11:22:33"

type testServer struct {
	*httptest.Server
	inventory *sim.Inventory
	radio     *ble.Simulator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	fast := util.Policy{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}

	fleet := ble.DefaultFleet()
	fleet.Latency = time.Millisecond
	radio := ble.NewSimulator(fleet)
	adapter := ble.NewExclusive(radio)

	cloudSrv := httptest.NewServer(sim.NewCloud("cid", "tok").Handler())
	t.Cleanup(cloudSrv.Close)
	fakeInv := sim.NewInventory(sim.DefaultCatalog(), "key")
	invSrv := httptest.NewServer(fakeInv.Handler())
	t.Cleanup(invSrv.Close)

	kv := store.NewMemory()
	logs := activity.NewLog(kv)
	invClient := inventory.New(inventory.Config{BaseURL: invSrv.URL, APIKey: "key", Retry: fast}, log)
	lock := lockproto.New(log, lockproto.Options{CommandTimeout: 40 * time.Millisecond, Retry: fast})
	m := metrics.New()

	coord := provision.NewCoordinator(provision.Deps{
		Adapter: adapter,
		Lock:    lock,
		Cloud: cloud.New(cloud.Config{
			BaseURL:     cloudSrv.URL,
			ClientID:    "cid",
			AccessToken: "tok",
			Retry:       fast,
		}, log),
		Inventory: invClient,
		KV:        kv,
		Activity:  logs,
		Metrics:   m,
		Log:       log,
	}, provision.Options{
		ScanTimeout:    20 * time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
		ConnectRetry:   fast,
	})

	authService := auth.NewService(
		auth.PresenceVerifier{},
		auth.NewJWTService("test-secret", 8*time.Hour, false),
		session.NewStore(kv),
		logs,
		auth.DefaultDirectory(),
		false,
		log,
	)

	router := httpapi.NewRouter(httpapi.Deps{
		Auth:         authService,
		Coordinator:  coord,
		Diagnostics:  provision.NewDiagnostics(adapter, lock, coord, log),
		Locations:    invClient,
		Logs:         logs,
		Uploader:     invClient,
		Metrics:      m,
		LoginLimiter: middleware.NewRateLimiter(time.Minute, 100),
		Log:          log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, inventory: fakeInv, radio: radio}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (s *testServer) login(t *testing.T, username string) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": username, "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return body["token"].(string)
}

func (s *testServer) waitTerminal(t *testing.T, token, runID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, st := s.do(t, http.MethodGet, "/api/v1/provisioning/"+runID, token, nil)
		switch st["state"] {
		case "Complete", "Error", "Cancelled":
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", runID)
	return nil
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestLoginAndRoles(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "jdoe", "password": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tech := s.login(t, "jdoe")
	resp, me := s.do(t, http.MethodGet, "/me", tech, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Technician", me["role"])
	assert.NotContains(t, me, "token")

	_, nav := s.do(t, http.MethodGet, "/api/v1/navigation", tech, nil)
	paths := []string{}
	for _, r := range nav["routes"].([]any) {
		paths = append(paths, r.(map[string]any)["path"].(string))
	}
	assert.Contains(t, paths, "/provision/lock")
	assert.NotContains(t, paths, "/admin/users")

	resp, body := s.do(t, http.MethodGet, "/api/v1/admin/users", tech, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access denied", body["error"])
	assert.NotContains(t, body, "users")

	resp, _ = s.do(t, http.MethodGet, "/api/v1/diagnostics/"+lockMAC+"/signal", tech, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// a new sign-in replaces the stored session
	admin := s.login(t, "site.admin")
	resp, _ = s.do(t, http.MethodGet, "/me", tech, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/v1/admin/users", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["users"], 3)

	resp, _ = s.do(t, http.MethodPost, "/auth/logout", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/me", admin, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLocations(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "jdoe")

	resp, body := s.do(t, http.MethodGet, "/api/v1/locations/buildings", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["buildings"], 3)

	_, body = s.do(t, http.MethodGet, "/api/v1/locations/buildings/b1/floors", token, nil)
	assert.Len(t, body["floors"], 3)

	_, body = s.do(t, http.MethodGet, "/api/v1/locations/floors/f1/rooms", token, nil)
	assert.Len(t, body["rooms"], 4)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/locations/buildings/b9/floors", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProvisionLockOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "jdoe")

	resp, body := s.do(t, http.MethodPost, "/api/v1/scan", token, map[string]string{"type": "LOCK"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["devices"], 2)

	resp, started := s.do(t, http.MethodPost, "/api/v1/provisioning", token, map[string]string{
		"macAddress": lockMAC,
		"type":       "LOCK",
		"buildingId": "b1",
		"floorId":    "f1",
		"roomId":     "r101",
		"notes":      "Main entrance",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, started)
	runID := started["runId"].(string)
	assert.Equal(t, "/api/v1/provisioning/"+runID, resp.Header.Get("Location"))

	final := s.waitTerminal(t, token, runID)
	require.Equal(t, "Complete", final["state"], final)
	payload := final["payload"].(map[string]any)
	assert.Equal(t, "LOCK", payload["deviceType"])
	assert.NotZero(t, payload["cloudId"])
	assert.Equal(t, "jdoe", payload["technicianId"])

	_, hist := s.do(t, http.MethodGet, "/api/v1/provisioning/history?limit=5", token, nil)
	assert.Len(t, hist["runs"], 1)

	resp, _ = s.do(t, http.MethodDelete, "/api/v1/provisioning/"+runID, token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/provisioning/nope", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, logs := s.do(t, http.MethodGet, "/api/v1/logs", token, nil)
	assert.NotZero(t, logs["pending"])
	resp, synced := s.do(t, http.MethodPost, "/api/v1/logs/sync", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotZero(t, synced["synced"])
	assert.NotEmpty(t, s.inventory.UploadedLogs())
	_, logs = s.do(t, http.MethodGet, "/api/v1/logs", token, nil)
	assert.EqualValues(t, 0, logs["pending"])
}

func TestProvisionRejectsBadRequest(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "jdoe")
	_, _ = s.do(t, http.MethodPost, "/api/v1/scan", token, map[string]string{"type": "LOCK"})

	resp, body := s.do(t, http.MethodPost, "/api/v1/provisioning", token, map[string]string{
		"macAddress": lockMAC,
		"type":       "LOCK",
		"buildingId": "b1",
		"floorId":    "f1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "rejected", body["kind"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/provisioning", token, map[string]string{
		"macAddress": "11:22:33:AA:BB:CC",
		"type":       "LOCK",
		"buildingId": "b1",
		"floorId":    "f1",
		"roomId":     "r101",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "bound lock is refused")
}

func TestProvisioningEventsStream(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "ops.supervisor")
	_, _ = s.do(t, http.MethodPost, "/api/v1/scan", token, map[string]string{"type": "GATEWAY"})

	resp, started := s.do(t, http.MethodPost, "/api/v1/provisioning", token, map[string]string{
		"macAddress": "DD:EE:FF:44:55:66",
		"type":       "GATEWAY",
		"buildingId": "b2",
		"floorId":    "f1",
		"wifiSsid":   "Site",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, started)
	runID := started["runId"].(string)

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/provisioning/" + runID + "/events?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last provision.Status
	for {
		var st provision.Status
		if err := conn.ReadJSON(&st); err != nil {
			break
		}
		assert.Equal(t, runID, st.RunID)
		last = st
	}
	assert.Equal(t, provision.StateComplete, last.State)
	assert.Equal(t, "Site", s.radio.WiFiSSID("DD:EE:FF:44:55:66"))
}

func TestDiagnosticsOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "ops.supervisor")

	resp, body := s.do(t, http.MethodPost, "/api/v1/diagnostics/run", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.EqualValues(t, 95, body["batteryLevel"])

	resp, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/"+lockMAC+"/firmware", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "6.2.0", body["firmwareVersion"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/diagnostics/"+lockMAC+"/signal", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, -45, body["rssi"])

	resp, _ = s.do(t, http.MethodGet, "/api/v1/diagnostics/00:00:00:00:00:00/signal", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/diagnostics/"+lockMAC+"/reset", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	_, _ = s.do(t, http.MethodGet, "/health", "", nil)

	resp, err := s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "wizsmith_http_requests_total")
}
