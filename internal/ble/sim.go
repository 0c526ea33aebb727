package ble

import (
	"context"
	"sync"
	"time"

	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// Simulator is an in-process radio serving a Fleet. Faults can be injected
// per device to rehearse retry and resume paths.
type Simulator struct {
	latency time.Duration

	mu      sync.Mutex
	order   []string
	devices map[string]*simDevice
	faults  map[string]*faultPlan
}

type faultPlan struct {
	connectErrs   []error
	dropAfter     int
	timeouts      int
	loseResponses int
}

func NewSimulator(f Fleet) *Simulator {
	s := &Simulator{
		latency: f.Latency,
		devices: make(map[string]*simDevice),
		faults:  make(map[string]*faultPlan),
	}
	for _, d := range f.Devices {
		s.order = append(s.order, d.MAC)
		s.devices[d.MAC] = newSimDevice(d)
	}
	return s
}

func (s *Simulator) Scan(ctx context.Context, timeout time.Duration) ([]model.Device, error) {
	wait := s.latency * 5
	if wait > timeout {
		wait = timeout
	}
	if err := sleep(ctx, wait); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Device, 0, len(s.order))
	for _, mac := range s.order {
		d := s.devices[mac]
		if d.spec.QROnly {
			continue
		}
		out = append(out, d.snapshot())
	}
	return out, nil
}

// Lookup returns a device by MAC whether or not it advertises in scans.
func (s *Simulator) Lookup(mac string) (model.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[model.NormalizeMAC(mac)]
	if !ok {
		return model.Device{}, false
	}
	return d.snapshot(), true
}

func (s *Simulator) Connect(ctx context.Context, mac string, timeout time.Duration) (Conn, error) {
	mac = model.NormalizeMAC(mac)

	s.mu.Lock()
	dev, ok := s.devices[mac]
	var injected error
	if plan := s.faults[mac]; plan != nil && len(plan.connectErrs) > 0 {
		injected = plan.connectErrs[0]
		plan.connectErrs = plan.connectErrs[1:]
	}
	s.mu.Unlock()

	wait := s.latency
	if wait > timeout {
		wait = timeout
	}
	if err := sleep(ctx, wait); err != nil {
		return nil, err
	}
	if injected != nil {
		return nil, injected
	}
	if !ok {
		return nil, ErrNotFound
	}
	if s.latency > timeout {
		return nil, ErrTimeout
	}

	t := &simTransport{
		sim:   s,
		dev:   dev,
		notes: make(chan []byte, 16),
		lost:  make(chan struct{}),
	}
	return newFramedConn(mac, t), nil
}

func (s *Simulator) Advertisement(mac string) ([]byte, bool) {
	s.mu.Lock()
	d, ok := s.devices[model.NormalizeMAC(mac)]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return d.advertisement(), true
}

// FailConnect makes the next connects to mac fail with errs, in order.
func (s *Simulator) FailConnect(mac string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.plan(mac)
	p.connectErrs = append(p.connectErrs, errs...)
}

// DropLinkAfter lets n more commands through and then drops the link once.
func (s *Simulator) DropLinkAfter(mac string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan(mac).dropAfter = n
}

// TimeoutCommands swallows the next n commands without executing them.
func (s *Simulator) TimeoutCommands(mac string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan(mac).timeouts = n
}

// LoseResponses executes the next n commands but never answers them.
func (s *Simulator) LoseResponses(mac string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan(mac).loseResponses = n
}

// InitCount reports how many times mac accepted an init command.
func (s *Simulator) InitCount(mac string) int {
	d := s.device(mac)
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initCount
}

// AdminPasscode reports the passcode last stored on mac.
func (s *Simulator) AdminPasscode(mac string) string {
	d := s.device(mac)
	if d == nil {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.passcode
}

// WiFiSSID reports the network a gateway was configured for.
func (s *Simulator) WiFiSSID(mac string) string {
	d := s.device(mac)
	if d == nil {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wifiSSID
}

func (s *Simulator) device(mac string) *simDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[model.NormalizeMAC(mac)]
}

// plan must be called with mu held.
func (s *Simulator) plan(mac string) *faultPlan {
	mac = model.NormalizeMAC(mac)
	p := s.faults[mac]
	if p == nil {
		p = &faultPlan{dropAfter: -1}
		s.faults[mac] = p
	}
	return p
}

func (d *simDevice) snapshot() model.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.spec.toModel()
	dev.IsSettingMode = d.settingMode
	return dev
}

// advertisement mimics the manufacturer data block: company id, flags,
// battery and the RSSI byte the radio attaches.
func (d *simDevice) advertisement() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var flags, battery byte
	if d.settingMode {
		flags |= 0x01
	}
	if d.spec.Kind == model.KindGateway {
		flags |= 0x02
	}
	if d.spec.Battery != nil {
		battery = byte(*d.spec.Battery)
	}
	adv := []byte{0x02, 0x01, 0x06, 0x06, 0xFF, 0x19, 0x10, flags, battery, byte(int8(d.spec.RSSI))}
	return adv
}

type simTransport struct {
	sim   *Simulator
	dev   *simDevice
	notes chan []byte

	lost     chan struct{}
	lostOnce sync.Once
}

func (t *simTransport) Write(ctx context.Context, raw []byte) error {
	select {
	case <-t.lost:
		return ErrLinkLost
	default:
	}

	t.sim.mu.Lock()
	plan := t.sim.faults[t.dev.spec.MAC]
	var drop, swallow, lose bool
	if plan != nil {
		switch {
		case plan.dropAfter == 0:
			plan.dropAfter = -1
			drop = true
		case plan.dropAfter > 0:
			plan.dropAfter--
		}
		if !drop && plan.timeouts > 0 {
			plan.timeouts--
			swallow = true
		}
		if !drop && !swallow && plan.loseResponses > 0 {
			plan.loseResponses--
			lose = true
		}
	}
	latency := t.sim.latency
	t.sim.mu.Unlock()

	if drop {
		t.markLost()
		return ErrLinkLost
	}
	if swallow {
		return nil
	}

	req, err := DecodeFrame(raw)
	if err != nil {
		return fault.FatalErr(err)
	}
	resp := t.dev.handle(req, time.Now())
	if lose {
		return nil
	}
	encoded, err := resp.Encode()
	if err != nil {
		return fault.FatalErr(err)
	}

	go func() {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-t.lost:
			return
		case <-timer.C:
		}
		select {
		case t.notes <- encoded:
		default:
		}
	}()
	return nil
}

func (t *simTransport) Notifications() <-chan []byte { return t.notes }
func (t *simTransport) Lost() <-chan struct{}        { return t.lost }

func (t *simTransport) Close() error {
	t.markLost()
	return nil
}

func (t *simTransport) markLost() {
	t.lostOnce.Do(func() { close(t.lost) })
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
