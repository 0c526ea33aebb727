package provision

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/lockproto"
	"github.com/joel-Y/WizLock-Tech-App/internal/logging"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// ErrNoLockNearby means the health check scan found no lock.
var ErrNoLockNearby = errors.New("no device found nearby")

// HealthReport is the outcome of the device health check.
type HealthReport struct {
	Device       model.Device `json:"device"`
	Battery      int          `json:"batteryLevel"`
	Firmware     string       `json:"firmwareVersion"`
	ClockDriftMs int64        `json:"clockDriftMs"`
	Log          []string     `json:"log"`
}

type FirmwareReport struct {
	MAC             string   `json:"macAddress"`
	Version         string   `json:"firmwareVersion"`
	UpdateAvailable bool     `json:"updateAvailable"`
	Log             []string `json:"log"`
}

// SignalReport is the advanced link analysis.
type SignalReport struct {
	MAC           string `json:"macAddress"`
	RSSI          int    `json:"rssi"`
	Advertisement string `json:"advertisement,omitempty"`
	RoundTripMs   int64  `json:"roundTripMs"`
}

// Diagnostics runs the maintenance tools of the Diagnostics page. Each call
// takes the radio link for its duration, so it fails with
// ble.ErrAlreadyConnected while a provisioning run is connected, and with
// ErrBusy on a device whose run has not finished.
type Diagnostics struct {
	adapter ble.Adapter
	lock    *lockproto.Client
	coord   *Coordinator
	log     zerolog.Logger

	scanTimeout    time.Duration
	connectTimeout time.Duration
	now            func() time.Time
}

func NewDiagnostics(adapter ble.Adapter, lock *lockproto.Client, coord *Coordinator, log zerolog.Logger) *Diagnostics {
	return &Diagnostics{
		adapter:        adapter,
		lock:           lock,
		coord:          coord,
		log:            log.With().Str("component", "diagnostics").Logger(),
		scanTimeout:    5 * time.Second,
		connectTimeout: 10 * time.Second,
		now:            time.Now,
	}
}

// Run scans for the nearest lock and reads its battery, firmware and clock.
func (d *Diagnostics) Run(ctx context.Context) (HealthReport, error) {
	var rep HealthReport
	logf := func(format string, args ...any) {
		rep.Log = append(rep.Log, fmt.Sprintf(format, args...))
	}

	logf("Scanning for nearby lock...")
	devices, err := d.adapter.Scan(ctx, d.scanTimeout)
	if err != nil {
		return rep, fmt.Errorf("scan failed: %w", err)
	}
	var target *model.Device
	for i := range devices {
		if devices[i].Type == model.KindLock {
			target = &devices[i]
			break
		}
	}
	if target == nil {
		logf("No device found nearby.")
		return rep, ErrNoLockNearby
	}
	rep.Device = *target
	logf("Found device: %s", target.Name)
	if err := d.checkFree(target.MACAddress); err != nil {
		logf("Device is being provisioned.")
		return rep, err
	}

	err = d.withConn(ctx, target.MACAddress, func(conn ble.Conn) error {
		logf("Reading battery status...")
		battery, err := d.lock.Battery(ctx, conn)
		if err != nil {
			return err
		}
		firmware, err := d.lock.FirmwareVersion(ctx, conn)
		if err != nil {
			return err
		}
		logf("Checking clock drift...")
		drift, err := d.lock.ClockDrift(ctx, conn)
		if err != nil {
			return err
		}
		rep.Battery = battery
		rep.Firmware = firmware
		rep.ClockDriftMs = drift.Milliseconds()
		return nil
	})
	if err != nil {
		logf("Diagnostics failed: %v", err)
		return rep, err
	}
	level := rep.Battery
	rep.Device.BatteryLevel = &level
	rep.Device.FirmwareVersion = rep.Firmware
	logf("Diagnostics complete.")
	return rep, nil
}

// Firmware reads the firmware version of mac.
func (d *Diagnostics) Firmware(ctx context.Context, mac string) (FirmwareReport, error) {
	mac = model.NormalizeMAC(mac)
	rep := FirmwareReport{MAC: mac}
	if err := d.checkFree(mac); err != nil {
		return rep, err
	}
	rep.Log = append(rep.Log, fmt.Sprintf("Requesting firmware version from %s...", mac))

	err := d.withConn(ctx, mac, func(conn ble.Conn) error {
		v, err := d.lock.FirmwareVersion(ctx, conn)
		rep.Version = v
		return err
	})
	if err != nil {
		return rep, err
	}
	rep.Log = append(rep.Log,
		fmt.Sprintf("Firmware Version: %s", rep.Version),
		"Checking for updates... No updates available.",
	)
	return rep, nil
}

// Reset factory resets mac and forgets any unfinished provisioning for it.
func (d *Diagnostics) Reset(ctx context.Context, mac string) error {
	mac = model.NormalizeMAC(mac)
	if err := d.checkFree(mac); err != nil {
		return err
	}
	err := d.withConn(ctx, mac, func(conn ble.Conn) error {
		return d.lock.FactoryReset(ctx, conn)
	})
	if err != nil {
		return err
	}
	if d.coord != nil {
		if err := d.coord.Forget(ctx, mac); err != nil {
			d.log.Warn().Err(err).Str("mac", logging.MaskMAC(mac)).Msg("failed to drop provisioning progress after reset")
		}
		d.coord.record(ctx, "FACTORY_RESET", fmt.Sprintf("Reset lock %s", mac))
	}
	d.log.Info().Str("mac", logging.MaskMAC(mac)).Msg("lock factory reset")
	return nil
}

// Signal reports RSSI, the raw advertisement and the command round trip.
func (d *Diagnostics) Signal(ctx context.Context, mac string) (SignalReport, error) {
	mac = model.NormalizeMAC(mac)
	rep := SignalReport{MAC: mac}
	if err := d.checkFree(mac); err != nil {
		return rep, err
	}

	devices, err := d.adapter.Scan(ctx, d.scanTimeout)
	if err != nil {
		return rep, fmt.Errorf("scan failed: %w", err)
	}
	found := false
	for _, dev := range devices {
		if dev.MACAddress == mac {
			rep.RSSI = dev.RSSI
			found = true
		}
	}
	if !found {
		return rep, ble.ErrNotFound
	}
	if src, ok := d.adapter.(ble.AdvertisementSource); ok {
		if raw, ok := src.Advertisement(mac); ok {
			rep.Advertisement = hex.EncodeToString(raw)
		}
	}

	err = d.withConn(ctx, mac, func(conn ble.Conn) error {
		start := d.now()
		if _, err := d.lock.FirmwareVersion(ctx, conn); err != nil {
			return err
		}
		rep.RoundTripMs = d.now().Sub(start).Milliseconds()
		return nil
	})
	return rep, err
}

func (d *Diagnostics) checkFree(mac string) error {
	if d.coord != nil && d.coord.Provisioning(mac) {
		return ErrBusy
	}
	return nil
}

func (d *Diagnostics) withConn(ctx context.Context, mac string, fn func(conn ble.Conn) error) error {
	conn, err := d.adapter.Connect(ctx, mac, d.connectTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", mac, err)
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			d.log.Warn().Err(err).Str("mac", logging.MaskMAC(mac)).Msg("disconnect failed")
		}
	}()
	return fn(conn)
}
