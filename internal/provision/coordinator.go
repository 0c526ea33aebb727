package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/cloud"
	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/inventory"
	"github.com/joel-Y/WizLock-Tech-App/internal/lockproto"
	"github.com/joel-Y/WizLock-Tech-App/internal/logging"
	"github.com/joel-Y/WizLock-Tech-App/internal/metrics"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/store"
	"github.com/joel-Y/WizLock-Tech-App/internal/util"
)

// Cloud is the vendor account the devices get bound to.
type Cloud interface {
	RegisterLock(ctx context.Context, rec model.ActivationRecord, alias, key string) (cloud.LockRegistration, error)
	SendAdminKey(ctx context.Context, lockID int64, receiver, key string) (int64, error)
	RegisterGateway(ctx context.Context, mac, ssid, key string) (int64, error)
	UpdateLockDate(ctx context.Context, lockID int64, key string) error
	DeleteLock(ctx context.Context, lockID int64, key string) error
}

// Inventory is the backend where installed devices are recorded.
type Inventory interface {
	RegisterDevice(ctx context.Context, p model.RegistrationPayload, key string) (inventory.Receipt, error)
	DeleteRegistration(ctx context.Context, key string) error
}

type ActivityRecorder interface {
	Record(ctx context.Context, action, details string) (model.ActivityLog, error)
}

// Journal keeps the history of runs. It is optional.
type Journal interface {
	SaveRun(ctx context.Context, run model.ProvisioningRun) error
	ListRuns(ctx context.Context, limit int) ([]model.ProvisioningRun, error)
}

// EventPublisher forwards status changes off-box. It is optional.
type EventPublisher interface {
	Publish(mac string, v any) error
}

// Deps are the collaborators of a Coordinator. Journal, Events and Metrics
// may be nil.
type Deps struct {
	Adapter   ble.Adapter
	Lock      *lockproto.Client
	Cloud     Cloud
	Inventory Inventory
	KV        store.KV
	Activity  ActivityRecorder
	Journal   Journal
	Events    EventPublisher
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

type Options struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	// ConnectRetry paces reconnects, both for the first connect and after
	// the link drops mid-activation.
	ConnectRetry util.Policy
	// KeyReceiver is the account that receives the admin eKey.
	KeyReceiver string
	// CompensationTimeout bounds the cleanup after a cancellation.
	CompensationTimeout time.Duration
	HistorySize         int
	Now                 func() time.Time
}

// Request describes one provisioning run.
type Request struct {
	// Device defaults to the selected device when its MAC is empty.
	Device       model.Device
	Kind         model.DeviceKind
	Location     model.Location
	Alias        string
	Notes        string
	WiFiSSID     string
	WiFiPassword string
	Technician   string
}

// Coordinator drives devices from discovery to registration. It runs at
// most one provisioning session at a time because the radio link is
// exclusive.
type Coordinator struct {
	deps     Deps
	opts     Options
	progress progressStore
	hub      *Hub
	log      zerolog.Logger

	events     chan Status
	eventsOnce sync.Once

	mu       sync.Mutex
	state    State
	scanned  []model.Device
	selected *model.Device
	active   *run
	runs     map[string]*run
	order    []string
}

func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ConnectRetry.Attempts <= 0 {
		opts.ConnectRetry = util.Policy{Attempts: 5, Initial: 500 * time.Millisecond, Max: 4 * time.Second}
	}
	if opts.KeyReceiver == "" {
		opts.KeyReceiver = "wizsmith_master_admin"
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = 30 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		deps:     deps,
		opts:     opts,
		progress: progressStore{kv: deps.KV},
		hub:      NewHub(),
		log:      deps.Log.With().Str("component", "provision").Logger(),
		state:    StateIdle,
		runs:     make(map[string]*run),
	}
}

// Subscribe streams every status change. Close the subscription when done.
func (c *Coordinator) Subscribe() *Subscription {
	return c.hub.Subscribe()
}

// Scan lists nearby devices of kind, or every device when kind is empty.
func (c *Coordinator) Scan(ctx context.Context, kind model.DeviceKind) ([]model.Device, error) {
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.state = StateScanning
	c.selected = nil
	c.mu.Unlock()
	c.publishIdle(StateScanning)

	found, err := c.deps.Adapter.Scan(ctx, c.opts.ScanTimeout)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.publishIdle(StateIdle)
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	out := make([]model.Device, 0, len(found))
	for _, d := range found {
		if kind == "" || d.Type == kind {
			out = append(out, d)
		}
	}
	c.mu.Lock()
	c.scanned = out
	c.state = StateIdle
	c.mu.Unlock()
	c.publishIdle(StateIdle)
	return out, nil
}

// ScanQR decodes a device label and selects the device it names.
func (c *Coordinator) ScanQR(ctx context.Context, code string, kind model.DeviceKind) (model.Device, error) {
	d, err := ble.ParseQR(code)
	if err != nil {
		return model.Device{}, fault.RejectedErr(err)
	}
	if kind != "" && d.Type != kind {
		return model.Device{}, fault.RejectedErr(fmt.Errorf("label is for a %s, not a %s", d.Type, kind))
	}

	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return model.Device{}, ErrBusy
	}
	c.scanned = append(c.scanned, d)
	c.mu.Unlock()

	return c.Select(ctx, d.MACAddress)
}

// Select picks a device from the last scan. Devices already bound to an
// account are refused unless an unfinished run for them is on record.
func (c *Coordinator) Select(ctx context.Context, mac string) (model.Device, error) {
	mac = model.NormalizeMAC(mac)

	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return model.Device{}, ErrBusy
	}
	var found *model.Device
	for i := range c.scanned {
		if c.scanned[i].MACAddress == mac {
			d := c.scanned[i]
			found = &d
		}
	}
	c.mu.Unlock()
	if found == nil {
		return model.Device{}, fault.RejectedErr(fmt.Errorf("device %s was not found in the last scan", mac))
	}

	if !found.IsSettingMode {
		p, err := c.progress.load(ctx, mac)
		if err != nil {
			return model.Device{}, err
		}
		if p == nil {
			return model.Device{}, fault.RejectedErr(fmt.Errorf("device %s is bound to an account; factory reset it first", mac))
		}
	}

	c.mu.Lock()
	c.selected = found
	c.state = StateDeviceSelected
	c.mu.Unlock()
	c.publishIdle(StateDeviceSelected)
	return *found, nil
}

// Current reports the active run, or the discovery state when none runs.
func (c *Coordinator) Current() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active.snapshot()
	}
	s := Status{State: c.state, UpdatedAt: c.opts.Now()}
	if c.selected != nil {
		s.MAC = c.selected.MACAddress
		s.Kind = c.selected.Type
	}
	return s
}

// Start launches a run in the background and returns its first status.
// A device with unfinished progress is resumed from where it stopped.
func (c *Coordinator) Start(ctx context.Context, req Request) (Status, error) {
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return Status{}, ErrBusy
	}
	if req.Device.MACAddress == "" {
		if c.selected == nil {
			c.mu.Unlock()
			return Status{}, ErrNoDevice
		}
		req.Device = *c.selected
	}
	c.mu.Unlock()

	req.Device.MACAddress = model.NormalizeMAC(req.Device.MACAddress)
	if req.Kind == "" {
		req.Kind = req.Device.Type
	}
	if err := validateRequest(req); err != nil {
		return Status{}, fault.RejectedErr(err)
	}

	prog, err := c.progress.load(ctx, req.Device.MACAddress)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load progress: %w", err)
	}
	resumed := prog != nil && prog.Kind == req.Kind
	if !resumed {
		prog = &Progress{SessionID: uuid.NewString(), MAC: req.Device.MACAddress, Kind: req.Kind}
	}
	if req.Kind == model.KindGateway && req.WiFiSSID == "" && !prog.WiFiConfigured {
		return Status{}, fault.RejectedErr(errors.New("wifi ssid is required for gateways"))
	}

	now := c.opts.Now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:     uuid.NewString(),
		req:    req,
		prog:   prog,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{
			MAC:       req.Device.MACAddress,
			Kind:      req.Kind,
			State:     StateConnecting,
			Resumed:   resumed,
			CloudID:   prog.CloudID(),
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	r.status.RunID = r.id

	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		cancel()
		return Status{}, ErrBusy
	}
	c.active = r
	c.remember(r)
	c.mu.Unlock()

	if resumed {
		c.log.Info().Str("run", r.id).Str("mac", logging.MaskMAC(req.Device.MACAddress)).Msg("resuming provisioning")
	}
	c.emit(r)
	go c.execute(runCtx, r)
	return r.snapshot(), nil
}

// Cancel stops a run. Remote records it created are removed before the
// run reports Cancelled; use Wait to observe that.
func (c *Coordinator) Cancel(runID string) error {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}

	r.mu.Lock()
	if r.finalising || r.status.State.Terminal() {
		r.mu.Unlock()
		return ErrFinished
	}
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal state.
func (c *Coordinator) Wait(ctx context.Context, runID string) (Status, error) {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return Status{}, ErrRunNotFound
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Status returns the latest status of a run.
func (c *Coordinator) Status(runID string) (Status, error) {
	c.mu.Lock()
	r, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return Status{}, ErrRunNotFound
	}
	return r.snapshot(), nil
}

// History lists recent runs, newest first.
func (c *Coordinator) History(ctx context.Context, limit int) ([]model.ProvisioningRun, error) {
	if limit <= 0 {
		limit = c.opts.HistorySize
	}
	if c.deps.Journal != nil {
		return c.deps.Journal.ListRuns(ctx, limit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ProvisioningRun, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0 && len(out) < limit; i-- {
		r := c.runs[c.order[i]]
		out = append(out, r.journalEntry())
	}
	return out, nil
}

// Unfinished lists the devices with progress waiting to be resumed.
func (c *Coordinator) Unfinished(ctx context.Context) ([]string, error) {
	return c.progress.pending(ctx)
}

// Forget drops the stored progress for mac, e.g. after a factory reset.
func (c *Coordinator) Forget(ctx context.Context, mac string) error {
	if c.Provisioning(mac) {
		return ErrBusy
	}
	return c.progress.clear(ctx, mac)
}

// Provisioning reports whether a run for mac has not finished yet. The run
// owns the device until then, even between its radio steps.
func (c *Coordinator) Provisioning(mac string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.req.Device.MACAddress == model.NormalizeMAC(mac)
}

// Close stops forwarding events.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		close(c.events)
		c.events = nil
	}
}

// busyLocked must be called with mu held.
func (c *Coordinator) busyLocked() bool {
	return c.active != nil
}

// remember must be called with mu held.
func (c *Coordinator) remember(r *run) {
	c.runs[r.id] = r
	c.order = append(c.order, r.id)
	for len(c.order) > c.opts.HistorySize {
		old := c.order[0]
		if c.runs[old] == c.active {
			break
		}
		delete(c.runs, old)
		c.order = c.order[1:]
	}
}

func (c *Coordinator) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	err := c.provision(ctx, r)

	outcome := "complete"
	switch {
	case err == nil:
		c.finish(r, func(s *Status) {
			s.State = StateComplete
			s.Stage = ""
			s.Payload = r.prog.Payload
			s.CloudID = r.prog.CloudID()
		})
	case r.wasCancelled():
		outcome = "cancelled"
		compErr := c.compensate(r)
		c.finish(r, func(s *Status) {
			s.State = StateCancelled
			s.Stage = ""
			if compErr != nil {
				s.Error = compErr.Error()
				s.ErrorKind = fault.KindOf(compErr)
			}
		})
	default:
		outcome = "error"
		se := classify(r.currentState(), err)
		c.deps.Metrics.IncStageFailure(string(se.Stage), string(se.Kind))
		c.log.Error().Err(se.Cause).Str("run", r.id).Str("mac", logging.MaskMAC(r.req.Device.MACAddress)).
			Str("stage", string(se.Stage)).Str("kind", string(se.Kind)).Msg("provisioning failed")
		c.finish(r, func(s *Status) {
			s.State = StateError
			s.Stage = se.Stage
			s.Error = se.Cause.Error()
			s.ErrorKind = se.Kind
			s.Resumable = se.Resumable
		})
	}

	st := r.snapshot()
	c.deps.Metrics.ObserveRun(string(r.req.Kind), outcome, st.UpdatedAt.Sub(st.StartedAt))

	c.mu.Lock()
	if c.active == r {
		c.active = nil
	}
	c.state = StateIdle
	c.selected = nil
	c.mu.Unlock()
}

func (c *Coordinator) provision(ctx context.Context, r *run) error {
	if !r.prog.bleDone() {
		if err := c.radioStage(ctx, r); err != nil {
			return err
		}
	}

	if r.prog.CloudID() == 0 {
		c.transition(r, StateCloudRegistering, "")
		if err := c.cloudStage(ctx, r); err != nil {
			return &StageError{Stage: StateCloudRegistering, Kind: fault.KindOf(err), Cause: err}
		}
	}

	c.transition(r, StateBackendRegistering, "")
	if err := c.backendStage(ctx, r); err != nil {
		return err
	}

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return context.Canceled
	}
	r.finalising = true
	r.mu.Unlock()

	if err := c.progress.clear(context.WithoutCancel(ctx), r.prog.MAC); err != nil {
		c.log.Warn().Err(err).Str("mac", logging.MaskMAC(r.prog.MAC)).Msg("failed to clear provisioning progress")
	}
	return nil
}

// radioStage connects and runs the device-side steps. The link is always
// released before it returns.
func (c *Coordinator) radioStage(ctx context.Context, r *run) error {
	attempt := 0
	op := func() error {
		attempt++
		c.update(r, func(s *Status) {
			s.State = StateConnecting
			s.Stage = ""
			s.Attempt = attempt
		})

		conn, err := c.deps.Adapter.Connect(ctx, r.prog.MAC, c.opts.ConnectTimeout)
		if err != nil {
			return &StageError{Stage: StateConnecting, Kind: fault.KindOf(err), Cause: err}
		}
		defer func() {
			if err := conn.Disconnect(); err != nil {
				c.log.Warn().Err(err).Str("mac", logging.MaskMAC(r.prog.MAC)).Msg("disconnect failed")
			}
		}()

		step := string(r.prog.Activation.Next())
		if r.prog.Kind == model.KindGateway {
			step = "configure_wifi"
		}
		c.transition(r, StateActivating, step)
		err = c.deviceSteps(ctx, r, conn)
		if err == nil {
			return nil
		}
		se := &StageError{Stage: StateActivating, Kind: fault.KindOf(err), Cause: err}
		if errors.Is(err, ble.ErrLinkLost) {
			// reconnect and resume from the last checkpoint
			return se
		}
		return backoff.Permanent(se)
	}

	return util.RetryTransient(ctx, c.opts.ConnectRetry, op, func(err error, wait time.Duration) {
		stage := StateConnecting
		var se *StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}
		c.deps.Metrics.IncRetry(string(stage))
		c.log.Warn().Err(err).Str("run", r.id).Str("stage", string(stage)).Dur("wait", wait).Msg("retrying")
		c.update(r, func(s *Status) {
			s.State = StateRetrying
			s.Stage = stage
		})
	})
}

func (c *Coordinator) deviceSteps(ctx context.Context, r *run, conn ble.Conn) error {
	if r.prog.Kind == model.KindGateway {
		if err := c.deps.Lock.ConfigureWiFi(ctx, conn, r.req.WiFiSSID, r.req.WiFiPassword); err != nil {
			return err
		}
		return c.persist(ctx, r, func(p *Progress) {
			p.WiFiConfigured = true
			p.WiFiSSID = r.req.WiFiSSID
		})
	}

	_, err := c.deps.Lock.Activate(ctx, conn, r.prog.Activation, func(ctx context.Context, ap lockproto.Progress) error {
		if err := c.persist(ctx, r, func(p *Progress) { p.Activation = ap }); err != nil {
			return err
		}
		c.update(r, func(s *Status) { s.Step = string(ap.Next()) })
		return nil
	})
	return err
}

func (c *Coordinator) cloudStage(ctx context.Context, r *run) error {
	p := r.prog
	if p.Kind == model.KindGateway {
		ssid := r.req.WiFiSSID
		if ssid == "" {
			ssid = p.WiFiSSID
		}
		id, err := c.deps.Cloud.RegisterGateway(ctx, p.MAC, ssid, p.key(opCloudRegisterGateway))
		if err != nil {
			return err
		}
		return c.persist(ctx, r, func(p *Progress) { p.GatewayID = id })
	}

	rec := *p.Activation.Record
	alias := r.req.Alias
	if alias == "" {
		alias = rec.LockName
	}
	reg, err := c.deps.Cloud.RegisterLock(ctx, rec, alias, p.key(opCloudRegisterLock))
	if err != nil {
		return err
	}
	err = c.persist(ctx, r, func(p *Progress) {
		p.CloudLockID = reg.LockID
		p.CloudKeyID = reg.KeyID
		p.Activation.Record.LockID = reg.LockID
		p.Activation.Record.KeyID = reg.KeyID
	})
	if err == nil {
		c.update(r, func(s *Status) { s.CloudID = reg.LockID })
	}
	return err
}

// backendStage writes the inventory record. For locks the admin key and the
// cloud clock sync run alongside since they only need the cloud id.
func (c *Coordinator) backendStage(ctx context.Context, r *run) error {
	if r.prog.Payload == nil {
		payload := c.payload(r)
		if err := c.persist(ctx, r, func(p *Progress) {
			p.Payload = &payload
			p.BackendAttempted = true
		}); err != nil {
			return &StageError{Stage: StateBackendRegistering, Kind: fault.Fatal, Cause: err}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	mac := r.prog.MAC
	kind := r.prog.Kind
	lockID := r.prog.CloudLockID

	if r.prog.InventoryID == "" {
		payload := *r.prog.Payload
		key := r.prog.key(opBackendRegister)
		g.Go(func() error {
			receipt, err := c.deps.Inventory.RegisterDevice(gctx, payload, key)
			if err != nil {
				return &StageError{Stage: StateBackendRegistering, Kind: fault.KindOf(err), Cause: err}
			}
			if err := c.persist(gctx, r, func(p *Progress) { p.InventoryID = receipt.ID }); err != nil {
				return &StageError{Stage: StateBackendRegistering, Kind: fault.Fatal, Cause: err}
			}
			c.record(context.WithoutCancel(gctx), "BACKEND_REGISTER", fmt.Sprintf("Registered %s %s", kind, mac))
			return nil
		})
	}

	if kind == model.KindLock && !r.prog.AdminKeySent {
		key := r.prog.key(opCloudAdminKey)
		g.Go(func() error {
			keyID, err := c.deps.Cloud.SendAdminKey(gctx, lockID, c.opts.KeyReceiver, key)
			if err != nil {
				return &StageError{Stage: StateCloudRegistering, Kind: fault.KindOf(err), Cause: err}
			}
			return c.persist(gctx, r, func(p *Progress) {
				p.AdminKeySent = true
				p.AdminKeyID = keyID
			})
		})
	}

	if kind == model.KindLock && !r.prog.CloudDateSynced {
		key := r.prog.key(opCloudUpdateDate)
		g.Go(func() error {
			if err := c.deps.Cloud.UpdateLockDate(gctx, lockID, key); err != nil {
				return &StageError{Stage: StateCloudRegistering, Kind: fault.KindOf(err), Cause: err}
			}
			return c.persist(gctx, r, func(p *Progress) { p.CloudDateSynced = true })
		})
	}

	return g.Wait()
}

func (c *Coordinator) payload(r *run) model.RegistrationPayload {
	p := model.RegistrationPayload{
		DeviceType:   r.prog.Kind,
		MACAddress:   r.prog.MAC,
		CloudID:      r.prog.CloudID(),
		BuildingID:   r.req.Location.BuildingID,
		FloorID:      r.req.Location.FloorID,
		TechnicianID: r.req.Technician,
		InstallNotes: r.req.Notes,
		Timestamp:    c.opts.Now().UnixMilli(),
	}
	if r.prog.Kind == model.KindLock {
		p.RoomID = r.req.Location.RoomID
	}
	return p
}

// compensate removes the remote records of a cancelled run so no partial
// registration survives, then keeps only the device-side progress.
func (c *Coordinator) compensate(r *run) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CompensationTimeout)
	defer cancel()

	p := r.snapshotProgress()
	if !p.BackendAttempted && p.CloudID() == 0 {
		return nil
	}

	if p.BackendAttempted {
		if err := c.deps.Inventory.DeleteRegistration(ctx, p.key(opBackendRegister)); err != nil {
			c.log.Error().Err(err).Str("mac", logging.MaskMAC(p.MAC)).Msg("failed to remove inventory record of cancelled run")
			return fmt.Errorf("failed to remove inventory record: %w", err)
		}
		c.record(ctx, "BACKEND_UNREGISTER", fmt.Sprintf("Removed %s %s after cancellation", p.Kind, p.MAC))
	}
	if p.Kind == model.KindLock && p.CloudLockID != 0 {
		if err := c.deps.Cloud.DeleteLock(ctx, p.CloudLockID, p.key(opCloudDeleteLock)); err != nil {
			c.log.Warn().Err(err).Int64("lock_id", p.CloudLockID).Msg("failed to unbind lock of cancelled run")
		}
	}

	return c.persist(ctx, r, func(p *Progress) { p.rollbackRemote(uuid.NewString()) })
}

func (c *Coordinator) record(ctx context.Context, action, details string) {
	if c.deps.Activity == nil {
		return
	}
	if _, err := c.deps.Activity.Record(ctx, action, details); err != nil {
		c.log.Warn().Err(err).Str("action", action).Msg("failed to record activity")
	}
}

// persist applies fn to the run's progress and stores the result.
func (c *Coordinator) persist(ctx context.Context, r *run, fn func(p *Progress)) error {
	r.progMu.Lock()
	defer r.progMu.Unlock()
	fn(r.prog)
	if err := c.progress.save(context.WithoutCancel(ctx), r.prog); err != nil {
		return fault.FatalErr(fmt.Errorf("failed to persist provisioning progress: %w", err))
	}
	return nil
}

func (c *Coordinator) transition(r *run, state State, step string) {
	c.update(r, func(s *Status) {
		s.State = state
		s.Stage = ""
		s.Step = step
	})
}

func (c *Coordinator) update(r *run, fn func(s *Status)) {
	r.mu.Lock()
	if r.status.State.Terminal() {
		r.mu.Unlock()
		return
	}
	fn(&r.status)
	r.status.UpdatedAt = c.opts.Now()
	r.mu.Unlock()
	c.emit(r)
}

// finish moves the run to its terminal state exactly once.
func (c *Coordinator) finish(r *run, fn func(s *Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.status.UpdatedAt = c.opts.Now()
	r.mu.Unlock()
	c.emit(r)
}

func (c *Coordinator) emit(r *run) {
	s := r.snapshot()
	c.hub.Publish(s)

	if c.deps.Journal != nil {
		if err := c.deps.Journal.SaveRun(context.Background(), r.journalEntry()); err != nil {
			c.log.Warn().Err(err).Str("run", r.id).Msg("failed to journal run")
		}
	}
	c.forward(s)
}

func (c *Coordinator) publishIdle(state State) {
	s := Status{State: state, UpdatedAt: c.opts.Now()}
	c.hub.Publish(s)
}

// forward hands s to the event publisher without blocking the run.
func (c *Coordinator) forward(s Status) {
	if c.deps.Events == nil {
		return
	}
	c.eventsOnce.Do(func() {
		ch := make(chan Status, 64)
		c.mu.Lock()
		c.events = ch
		c.mu.Unlock()
		go func() {
			for s := range ch {
				if err := c.deps.Events.Publish(s.MAC, s); err != nil {
					c.log.Warn().Err(err).Str("run", s.RunID).Msg("failed to publish status event")
				}
			}
		}()
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		return
	}
	select {
	case c.events <- s:
	default:
		c.log.Warn().Str("run", s.RunID).Msg("event queue full, dropping status")
	}
}

func classify(current State, err error) *StageError {
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: current, Kind: fault.KindOf(err), Cause: err}
	}
	if se.Stage == StateRetrying || se.Stage == "" {
		se.Stage = current
	}
	se.Resumable = se.Kind == fault.Transient
	return se
}

func validateRequest(req Request) error {
	if req.Kind != model.KindLock && req.Kind != model.KindGateway {
		return fmt.Errorf("unknown device kind %q", req.Kind)
	}
	if req.Device.Type != "" && req.Device.Type != req.Kind {
		return fmt.Errorf("device %s is a %s, not a %s", req.Device.MACAddress, req.Device.Type, req.Kind)
	}
	if req.Technician == "" {
		return errors.New("technician is required")
	}
	return req.Location.Validate(req.Kind)
}

// run is one provisioning attempt.
type run struct {
	id     string
	req    Request
	cancel context.CancelFunc
	done   chan struct{}

	progMu sync.Mutex
	prog   *Progress

	mu         sync.Mutex
	status     Status
	cancelled  bool
	finalising bool
}

func (r *run) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *run) snapshotProgress() Progress {
	r.progMu.Lock()
	defer r.progMu.Unlock()
	return *r.prog
}

func (r *run) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.State == StateRetrying {
		return r.status.Stage
	}
	return r.status.State
}

func (r *run) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *run) journalEntry() model.ProvisioningRun {
	p := r.snapshotProgress()
	return r.snapshot().journal(r.req.Technician, p.InventoryID)
}
