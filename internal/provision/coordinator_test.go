package provision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joel-Y/WizLock-Tech-App/internal/activity"
	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/cloud"
	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/inventory"
	"github.com/joel-Y/WizLock-Tech-App/internal/lockproto"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/sim"
	"github.com/joel-Y/WizLock-Tech-App/internal/store"
	"github.com/joel-Y/WizLock-Tech-App/internal/util"
)

const (
	lockMAC    = "AA:BB:CC:11:22:33"
	pairedMAC  = "11:22:33:AA:BB:CC"
	gatewayMAC = "DD:EE:FF:44:55:66"
)

var fast = util.Policy{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}

type harness struct {
	radio     *ble.Simulator
	adapter   *ble.Exclusive
	cloud     *sim.Cloud
	inventory *sim.Inventory
	kv        *store.Memory
	logs      *activity.Log
	lock      *lockproto.Client
	deps      Deps
	coord     *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fleet := ble.DefaultFleet()
	fleet.Latency = time.Millisecond
	radio := ble.NewSimulator(fleet)

	fakeCloud := sim.NewCloud("cid", "tok")
	cloudSrv := httptest.NewServer(fakeCloud.Handler())
	t.Cleanup(cloudSrv.Close)
	fakeInv := sim.NewInventory(sim.DefaultCatalog(), "")
	invSrv := httptest.NewServer(fakeInv.Handler())
	t.Cleanup(invSrv.Close)

	h := &harness{
		radio:     radio,
		adapter:   ble.NewExclusive(radio),
		cloud:     fakeCloud,
		inventory: fakeInv,
		kv:        store.NewMemory(),
		lock: lockproto.New(zerolog.Nop(), lockproto.Options{
			CommandTimeout: 40 * time.Millisecond,
			Retry:          fast,
		}),
	}
	h.logs = activity.NewLog(h.kv)
	h.deps = Deps{
		Adapter: h.adapter,
		Lock:    h.lock,
		Cloud: cloud.New(cloud.Config{
			BaseURL:     cloudSrv.URL,
			ClientID:    "cid",
			AccessToken: "tok",
			Retry:       fast,
		}, zerolog.Nop()),
		Inventory: inventory.New(inventory.Config{BaseURL: invSrv.URL, Retry: fast}, zerolog.Nop()),
		KV:        h.kv,
		Activity:  h.logs,
		Log:       zerolog.Nop(),
	}
	h.coord = h.newCoordinator()
	return h
}

// newCoordinator simulates a restart: same storage and devices, fresh memory.
func (h *harness) newCoordinator() *Coordinator {
	return NewCoordinator(h.deps, Options{
		ScanTimeout:    50 * time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
		ConnectRetry:   util.Policy{Attempts: 5, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
}

func lockRequest() Request {
	return Request{
		Kind:       model.KindLock,
		Location:   model.Location{BuildingID: "b1", FloorID: "f1", RoomID: "r101"},
		Notes:      "Main entrance",
		Technician: "tech1",
	}
}

func (h *harness) selectDevice(t *testing.T, kind model.DeviceKind, mac string) {
	t.Helper()
	_, err := h.coord.Scan(context.Background(), kind)
	require.NoError(t, err)
	_, err = h.coord.Select(context.Background(), mac)
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T, req Request) Status {
	t.Helper()
	st, err := h.coord.Start(context.Background(), req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.coord.Wait(ctx, st.RunID)
	require.NoError(t, err)
	return final
}

func TestProvisionLock(t *testing.T) {
	h := newHarness(t)
	h.selectDevice(t, model.KindLock, lockMAC)
	assert.Equal(t, StateDeviceSelected, h.coord.Current().State)

	final := h.run(t, lockRequest())
	require.Equal(t, StateComplete, final.State, final.Error)

	require.NotNil(t, final.Payload)
	assert.Equal(t, model.KindLock, final.Payload.DeviceType)
	assert.NotZero(t, final.Payload.CloudID)
	assert.Equal(t, h.cloud.LockID(lockMAC), final.Payload.CloudID)
	assert.Equal(t, "r101", final.Payload.RoomID)
	assert.Equal(t, "tech1", final.Payload.TechnicianID)

	reg, ok := h.inventory.Registration(lockMAC)
	require.True(t, ok)
	assert.Equal(t, final.Payload.CloudID, reg.CloudID)

	code := h.radio.AdminPasscode(lockMAC)
	assert.Len(t, code, 7)
	assert.NotEqual(t, "admin123", code)
	assert.Empty(t, h.adapter.Holder(), "link released")

	logs, err := h.logs.List(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "BACKEND_REGISTER", logs[0].Action)
	assert.Equal(t, "Registered LOCK "+lockMAC, logs[0].Details)
	assert.Equal(t, model.LogPending, logs[0].Status)

	pending, err := h.coord.Unfinished(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "progress cleared on completion")
	assert.Equal(t, StateIdle, h.coord.Current().State)
}

func TestTransientBLEFailuresCreateOneRecord(t *testing.T) {
	h := newHarness(t)
	h.radio.FailConnect(lockMAC, ble.ErrTimeout, ble.ErrNotFound)
	h.radio.LoseResponses(lockMAC, 1)
	h.selectDevice(t, model.KindLock, lockMAC)

	final := h.run(t, lockRequest())
	require.Equal(t, StateComplete, final.State, final.Error)

	assert.Equal(t, 1, h.radio.InitCount(lockMAC))
	assert.Equal(t, 1, h.cloud.LockCount())
	assert.Len(t, h.inventory.Registrations(), 1)
}

func TestLinkDropReconnectsAndResumes(t *testing.T) {
	h := newHarness(t)
	sub := h.coord.Subscribe()
	defer sub.Close()

	sawRetry := make(chan bool, 1)
	go func() {
		seen := false
		for s := range sub.Updates() {
			if s.State == StateRetrying && s.Stage == StateActivating {
				seen = true
			}
			if s.RunID != "" && s.State.Terminal() {
				sawRetry <- seen
				return
			}
		}
	}()

	h.radio.DropLinkAfter(lockMAC, 1)
	h.selectDevice(t, model.KindLock, lockMAC)
	final := h.run(t, lockRequest())
	require.Equal(t, StateComplete, final.State, final.Error)
	assert.Equal(t, 1, h.radio.InitCount(lockMAC))

	select {
	case seen := <-sawRetry:
		assert.True(t, seen, "link loss is reported as Retrying(Activating)")
	case <-time.After(time.Second):
		t.Fatal("no terminal status published")
	}
}

func TestResumeAfterInterruptionSkipsInit(t *testing.T) {
	h := newHarness(t)
	h.cloud.Fail("lock/initialize", 3, http.StatusServiceUnavailable)
	h.selectDevice(t, model.KindLock, lockMAC)

	first := h.run(t, lockRequest())
	require.Equal(t, StateError, first.State)
	assert.Equal(t, StateCloudRegistering, first.Stage)
	assert.Equal(t, fault.Transient, first.ErrorKind)
	assert.True(t, first.Resumable)
	assert.Equal(t, 1, h.radio.InitCount(lockMAC))

	// restart: only the stored progress remains
	h.coord = h.newCoordinator()
	pending, err := h.coord.Unfinished(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{lockMAC}, pending)

	// the lock left setting mode but its unfinished progress allows selecting it
	h.selectDevice(t, model.KindLock, lockMAC)
	second := h.run(t, lockRequest())
	require.Equal(t, StateComplete, second.State, second.Error)
	assert.True(t, second.Resumed)

	assert.Equal(t, 1, h.radio.InitCount(lockMAC), "init is not repeated")
	assert.Equal(t, 1, h.cloud.LockCount())
	assert.Len(t, h.inventory.Registrations(), 1)
}

func TestCancelDuringBackendRegistrationLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.inventory.OnRegister(func(model.RegistrationPayload) {
		_ = h.coord.Cancel(h.coord.Current().RunID)
	})
	h.selectDevice(t, model.KindLock, lockMAC)

	final := h.run(t, lockRequest())
	require.Equal(t, StateCancelled, final.State)
	assert.Empty(t, final.Error)
	assert.Empty(t, h.inventory.Registrations(), "no partial inventory record")
	assert.Zero(t, h.cloud.LockCount(), "cloud binding rolled back")
	assert.Empty(t, h.adapter.Holder())

	// the device-side work is kept; a new attempt resumes it under a new session
	h.inventory.OnRegister(nil)
	h.selectDevice(t, model.KindLock, lockMAC)
	again := h.run(t, lockRequest())
	require.Equal(t, StateComplete, again.State, again.Error)
	assert.Equal(t, 1, h.radio.InitCount(lockMAC))
	assert.Len(t, h.inventory.Registrations(), 1)
}

func TestCancelWhileActivatingReleasesLink(t *testing.T) {
	h := newHarness(t)
	h.deps.Lock = lockproto.New(zerolog.Nop(), lockproto.Options{
		CommandTimeout: 500 * time.Millisecond,
		Retry:          fast,
	})
	h.coord = h.newCoordinator()
	h.selectDevice(t, model.KindLock, lockMAC)
	h.radio.TimeoutCommands(lockMAC, 100)

	st, err := h.coord.Start(context.Background(), lockRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.coord.Current().State == StateActivating && h.adapter.Holder() == lockMAC
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, h.coord.Cancel(st.RunID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.coord.Wait(ctx, st.RunID)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, final.State)
	assert.Empty(t, final.Error)
	assert.Empty(t, h.adapter.Holder(), "link released")
	assert.Zero(t, h.cloud.LockCount())
	assert.Empty(t, h.inventory.Registrations())
	assert.Equal(t, StateIdle, h.coord.Current().State)
}

func TestCancelWhileReconnecting(t *testing.T) {
	h := newHarness(t)
	h.coord = NewCoordinator(h.deps, Options{
		ScanTimeout:    50 * time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
		ConnectRetry:   util.Policy{Attempts: 5, Initial: time.Second, Max: time.Second},
	})
	h.selectDevice(t, model.KindLock, lockMAC)
	h.radio.FailConnect(lockMAC, ble.ErrTimeout)

	st, err := h.coord.Start(context.Background(), lockRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur := h.coord.Current()
		return cur.State == StateRetrying && cur.Stage == StateConnecting
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, h.coord.Cancel(st.RunID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.coord.Wait(ctx, st.RunID)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, final.State)
	assert.Empty(t, h.adapter.Holder())
	assert.Zero(t, h.radio.InitCount(lockMAC))
	assert.Zero(t, h.cloud.LockCount())
	assert.Empty(t, h.inventory.Registrations())
}

func TestCancelFinishedRun(t *testing.T) {
	h := newHarness(t)
	h.selectDevice(t, model.KindLock, lockMAC)
	final := h.run(t, lockRequest())
	require.Equal(t, StateComplete, final.State)

	assert.ErrorIs(t, h.coord.Cancel(final.RunID), ErrFinished)
	assert.ErrorIs(t, h.coord.Cancel("nope"), ErrRunNotFound)
}

func TestSecondStartIsBusy(t *testing.T) {
	h := newHarness(t)
	h.selectDevice(t, model.KindLock, lockMAC)
	st, err := h.coord.Start(context.Background(), lockRequest())
	require.NoError(t, err)

	gw := Request{
		Device:     model.Device{MACAddress: gatewayMAC, Type: model.KindGateway},
		Kind:       model.KindGateway,
		Location:   model.Location{BuildingID: "b1", FloorID: "f1"},
		WiFiSSID:   "site",
		Technician: "tech1",
	}
	_, err = h.coord.Start(context.Background(), gw)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = h.coord.Scan(context.Background(), "")
	assert.ErrorIs(t, err, ErrBusy)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.coord.Wait(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, final.State)

	// the link is free again
	_, err = h.coord.Scan(context.Background(), model.KindGateway)
	assert.NoError(t, err)
}

func TestProvisionGateway(t *testing.T) {
	h := newHarness(t)
	h.selectDevice(t, model.KindGateway, gatewayMAC)

	final := h.run(t, Request{
		Kind:         model.KindGateway,
		Location:     model.Location{BuildingID: "b2", FloorID: "f1", RoomID: "r101"},
		WiFiSSID:     "WizSmith-Site",
		WiFiPassword: "hunter22",
		Technician:   "tech2",
	})
	require.Equal(t, StateComplete, final.State, final.Error)
	require.NotNil(t, final.Payload)
	assert.Equal(t, model.KindGateway, final.Payload.DeviceType)
	assert.Empty(t, final.Payload.RoomID, "gateways carry no room")
	assert.NotZero(t, final.Payload.CloudID)

	assert.Equal(t, "WizSmith-Site", h.radio.WiFiSSID(gatewayMAC))
	assert.Equal(t, 1, h.cloud.GatewayCount())
	assert.Zero(t, h.cloud.Calls("key/send"))
}

func TestGatewayNeedsSSID(t *testing.T) {
	h := newHarness(t)
	h.selectDevice(t, model.KindGateway, gatewayMAC)
	_, err := h.coord.Start(context.Background(), Request{
		Kind:       model.KindGateway,
		Location:   model.Location{BuildingID: "b1", FloorID: "f1"},
		Technician: "tech1",
	})
	assert.Equal(t, fault.Rejected, fault.KindOf(err))
}

func TestRejectedCloudErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	// someone else already bound this MAC
	_, err := h.deps.Cloud.RegisterLock(context.Background(), model.ActivationRecord{LockMAC: lockMAC}, "", "other")
	require.NoError(t, err)

	h.selectDevice(t, model.KindLock, lockMAC)
	final := h.run(t, lockRequest())
	require.Equal(t, StateError, final.State)
	assert.Equal(t, StateCloudRegistering, final.Stage)
	assert.Equal(t, fault.Rejected, final.ErrorKind)
	assert.False(t, final.Resumable)
	assert.Equal(t, 2, h.cloud.Calls("lock/initialize"))
	assert.Empty(t, h.inventory.Registrations())
}

func TestInvalidLocationRejectedBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.selectDevice(t, model.KindLock, lockMAC)
	req := lockRequest()
	req.Location.RoomID = ""

	_, err := h.coord.Start(context.Background(), req)
	assert.Equal(t, fault.Rejected, fault.KindOf(err))
	assert.Zero(t, h.radio.InitCount(lockMAC))
}

func TestSelectRefusesBoundDevice(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Scan(context.Background(), model.KindLock)
	require.NoError(t, err)
	_, err = h.coord.Select(context.Background(), pairedMAC)
	assert.Equal(t, fault.Rejected, fault.KindOf(err))

	_, err = h.coord.Start(context.Background(), lockRequest())
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestScanFiltersByKind(t *testing.T) {
	h := newHarness(t)
	locks, err := h.coord.Scan(context.Background(), model.KindLock)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	for _, d := range locks {
		assert.Equal(t, model.KindLock, d.Type)
	}
	assert.Equal(t, StateIdle, h.coord.Current().State, "scan finished")
}

func TestScanQRProvisionsLabelledDevice(t *testing.T) {
	h := newHarness(t)
	d, err := h.coord.ScanQR(context.Background(), "WZ1;C0:FF:EE:00:00:01;TTLock_QR_Scan;LOCK", model.KindLock)
	require.NoError(t, err)
	assert.Equal(t, "C0:FF:EE:00:00:01", d.MACAddress)

	final := h.run(t, lockRequest())
	require.Equal(t, StateComplete, final.State, final.Error)
	assert.Equal(t, "C0:FF:EE:00:00:01", final.MAC)

	_, err = h.coord.ScanQR(context.Background(), "WZ1;C0:FF:EE:00:00:02;Gateway_QR_Scan;GATEWAY", model.KindLock)
	assert.Equal(t, fault.Rejected, fault.KindOf(err))
}

func TestHistoryWithoutJournal(t *testing.T) {
	h := newHarness(t)
	h.selectDevice(t, model.KindLock, lockMAC)
	final := h.run(t, lockRequest())

	runs, err := h.coord.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, final.RunID, runs[0].ID)
	assert.Equal(t, string(StateComplete), runs[0].State)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.NotEmpty(t, runs[0].InventoryID)
}

type memJournal struct {
	runs map[string]model.ProvisioningRun
}

func (j *memJournal) SaveRun(_ context.Context, r model.ProvisioningRun) error {
	j.runs[r.ID] = r
	return nil
}

func (j *memJournal) ListRuns(_ context.Context, _ int) ([]model.ProvisioningRun, error) {
	out := make([]model.ProvisioningRun, 0, len(j.runs))
	for _, r := range j.runs {
		out = append(out, r)
	}
	return out, nil
}

func TestJournalRecordsOutcome(t *testing.T) {
	h := newHarness(t)
	j := &memJournal{runs: map[string]model.ProvisioningRun{}}
	h.deps.Journal = j
	h.coord = h.newCoordinator()
	h.selectDevice(t, model.KindLock, lockMAC)

	final := h.run(t, lockRequest())
	got, ok := j.runs[final.RunID]
	require.True(t, ok)
	assert.Equal(t, string(StateComplete), got.State)
	assert.Equal(t, final.CloudID, got.CloudID)
	assert.Equal(t, "tech1", got.Technician)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("aa:bb:cc:11:22:33", "s1", opBackendRegister)
	assert.Equal(t, a, IdempotencyKey(lockMAC, "s1", opBackendRegister))
	assert.NotEqual(t, a, IdempotencyKey(lockMAC, "s2", opBackendRegister))
	assert.NotEqual(t, a, IdempotencyKey(lockMAC, "s1", opCloudRegisterLock))
	assert.Len(t, a, 64)
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer sub.Close()

	for i := 0; i < 20; i++ {
		hub.Publish(Status{Attempt: i})
	}
	var last Status
	n := 0
	for len(sub.Updates()) > 0 {
		last = <-sub.Updates()
		n++
	}
	assert.Equal(t, 16, n)
	assert.Equal(t, 19, last.Attempt)

	sub.Close()
	hub.Publish(Status{})
	assert.Zero(t, len(sub.Updates()))
}
