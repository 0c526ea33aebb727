//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

var (
	lockService    = goble.UUID16(0x1910)
	commandChar    = goble.UUID16(0xFFF2)
	notifyChar     = goble.UUID16(0xFFF4)
	vendorCompany  = []byte{0x19, 0x10}
	settingModeBit = byte(0x01)
	gatewayBit     = byte(0x02)
)

// HCIAdapter drives a local Bluetooth controller through HCI sockets.
type HCIAdapter struct {
	mu   sync.Mutex
	seen map[string][]byte
}

// NewHCIAdapter opens hci<id> and installs it as the default device.
func NewHCIAdapter(id int) (*HCIAdapter, error) {
	d, err := linux.NewDevice(goble.OptDeviceID(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open hci%d: %w", id, err)
	}
	goble.SetDefaultDevice(d)
	return &HCIAdapter{seen: make(map[string][]byte)}, nil
}

func (a *HCIAdapter) Scan(ctx context.Context, timeout time.Duration) ([]model.Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	found := map[string]model.Device{}
	order := []string{}

	handler := func(adv goble.Advertisement) {
		dev, ok := deviceFromAdvertisement(adv)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, dup := found[dev.MACAddress]; !dup {
			order = append(order, dev.MACAddress)
		}
		found[dev.MACAddress] = dev

		a.mu.Lock()
		a.seen[dev.MACAddress] = adv.ManufacturerData()
		a.mu.Unlock()
	}
	filter := func(adv goble.Advertisement) bool {
		return isVendorAdvertisement(adv)
	}

	err := goble.Scan(scanCtx, true, handler, filter)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("ble scan failed: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]model.Device, 0, len(order))
	for _, mac := range order {
		out = append(out, found[mac])
	}
	return out, nil
}

func (a *HCIAdapter) Connect(ctx context.Context, mac string, timeout time.Duration) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := goble.Dial(dialCtx, goble.NewAddr(strings.ToLower(mac)))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("%w: discover profile: %v", ErrLinkLost, err)
	}
	cmd := profile.FindCharacteristic(goble.NewCharacteristic(commandChar))
	note := profile.FindCharacteristic(goble.NewCharacteristic(notifyChar))
	if cmd == nil || note == nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("%s does not expose the lock service", mac)
	}

	t := &hciTransport{
		client: client,
		cmd:    cmd,
		notes:  make(chan []byte, 16),
		lost:   make(chan struct{}),
	}
	if err := client.Subscribe(note, false, t.onNotify); err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrLinkLost, err)
	}
	go func() {
		<-client.Disconnected()
		t.markLost()
	}()

	return newFramedConn(model.NormalizeMAC(mac), t), nil
}

func (a *HCIAdapter) Advertisement(mac string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	adv, ok := a.seen[model.NormalizeMAC(mac)]
	return adv, ok
}

type hciTransport struct {
	client goble.Client
	cmd    *goble.Characteristic
	notes  chan []byte

	lost     chan struct{}
	lostOnce sync.Once
}

func (t *hciTransport) Write(_ context.Context, frame []byte) error {
	if err := t.client.WriteCharacteristic(t.cmd, frame, false); err != nil {
		t.markLost()
		return fmt.Errorf("%w: %v", ErrLinkLost, err)
	}
	return nil
}

func (t *hciTransport) onNotify(b []byte) {
	frame := append([]byte(nil), b...)
	select {
	case t.notes <- frame:
	default:
	}
}

func (t *hciTransport) Notifications() <-chan []byte { return t.notes }
func (t *hciTransport) Lost() <-chan struct{}        { return t.lost }

func (t *hciTransport) Close() error {
	t.markLost()
	return t.client.CancelConnection()
}

func (t *hciTransport) markLost() {
	t.lostOnce.Do(func() { close(t.lost) })
}

func isVendorAdvertisement(adv goble.Advertisement) bool {
	md := adv.ManufacturerData()
	if len(md) >= 2 && md[0] == vendorCompany[0] && md[1] == vendorCompany[1] {
		return true
	}
	for _, u := range adv.Services() {
		if u.Equal(lockService) {
			return true
		}
	}
	return false
}

func deviceFromAdvertisement(adv goble.Advertisement) (model.Device, bool) {
	md := adv.ManufacturerData()
	if len(md) < 3 {
		return model.Device{}, false
	}
	flags := md[2]
	kind := model.KindLock
	if flags&gatewayBit != 0 {
		kind = model.KindGateway
	}
	dev := model.Device{
		MACAddress:    model.NormalizeMAC(adv.Addr().String()),
		Name:          adv.LocalName(),
		RSSI:          adv.RSSI(),
		IsSettingMode: flags&settingModeBit != 0,
		Type:          kind,
	}
	if kind == model.KindLock && len(md) >= 4 {
		battery := int(md[3])
		dev.BatteryLevel = &battery
	}
	return dev, true
}
