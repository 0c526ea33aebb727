package ble

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

const simLockVersion = "6.4.0"

// Init query states returned by OpQueryInit.
const (
	InitStateFresh   uint8 = 0
	InitStateOurs    uint8 = 1
	InitStateForeign uint8 = 2
)

// simDevice emulates lock and gateway firmware. Init is not idempotent: a
// second init is refused, exactly like the vendor firmware.
type simDevice struct {
	mu sync.Mutex

	spec        FleetDevice
	settingMode bool

	initialized bool
	initNonce   string
	lockName    string
	lockKey     string
	aesKey      string
	adminID     uint16
	passcode    string
	clockOffset time.Duration
	wifiSSID    string

	initCount int
}

func newSimDevice(spec FleetDevice) *simDevice {
	return &simDevice{
		spec:        spec,
		settingMode: spec.SettingMode,
		clockOffset: spec.ClockDrift,
		// locks that are not in setting mode are already paired elsewhere
		initialized: spec.Kind == model.KindLock && !spec.SettingMode,
	}
}

func (d *simDevice) handle(req Frame, now time.Time) Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, data := d.dispatch(req, now)
	payload := append([]byte{byte(status)}, data...)
	return Frame{Op: req.Op, Seq: req.Seq, Payload: payload}
}

func (d *simDevice) dispatch(req Frame, now time.Time) (Status, []byte) {
	r := NewPayloadReader(req.Payload)
	isLock := d.spec.Kind == model.KindLock

	switch req.Op {
	case OpInit:
		nonce := r.ReadString()
		if !isLock {
			return StatusUnsupported, nil
		}
		if r.Err() != nil || nonce == "" {
			return StatusBadRequest, nil
		}
		if d.initialized {
			return StatusAlreadyInitialized, nil
		}
		if !d.settingMode {
			return StatusNotSettingMode, nil
		}
		d.initialized = true
		d.settingMode = false
		d.initNonce = nonce
		d.lockName = "WizSmith_Lock_" + model.CompactMAC(d.spec.MAC)[:4]
		d.lockKey = randomHex(16)
		d.aesKey = randomHex(16)
		d.adminID = 1
		d.initCount++
		return StatusOK, d.recordPayload()

	case OpQueryInit:
		nonce := r.ReadString()
		if !isLock {
			return StatusUnsupported, nil
		}
		switch {
		case !d.initialized:
			return StatusOK, []byte{InitStateFresh}
		case d.initNonce != "" && d.initNonce == nonce:
			return StatusOK, append([]byte{InitStateOurs}, d.recordPayload()...)
		default:
			return StatusOK, []byte{InitStateForeign}
		}

	case OpSetAdminPasscode:
		code := r.ReadString()
		if !isLock {
			return StatusUnsupported, nil
		}
		if !d.initialized {
			return StatusUnauthorized, nil
		}
		if r.Err() != nil || !validPasscode(code) {
			return StatusBadRequest, nil
		}
		d.passcode = code
		return StatusOK, nil

	case OpCalibrateTime:
		ms := r.ReadUint64()
		if !isLock {
			return StatusUnsupported, nil
		}
		if !d.initialized {
			return StatusUnauthorized, nil
		}
		if r.Err() != nil {
			return StatusBadRequest, nil
		}
		d.clockOffset = time.UnixMilli(int64(ms)).Sub(now)
		return StatusOK, nil

	case OpReadClock:
		w := &PayloadWriter{}
		return StatusOK, w.PutUint64(uint64(now.Add(d.clockOffset).UnixMilli())).Bytes()

	case OpConfigureWiFi:
		ssid := r.ReadString()
		_ = r.ReadString()
		if isLock {
			return StatusUnsupported, nil
		}
		if r.Err() != nil || ssid == "" {
			return StatusBadRequest, nil
		}
		d.wifiSSID = ssid
		return StatusOK, nil

	case OpFirmwareVersion:
		w := &PayloadWriter{}
		return StatusOK, w.PutString(d.spec.Firmware).Bytes()

	case OpBattery:
		if d.spec.Battery == nil {
			return StatusUnsupported, nil
		}
		return StatusOK, []byte{byte(*d.spec.Battery)}

	case OpFactoryReset:
		if !isLock {
			return StatusUnsupported, nil
		}
		d.initialized = false
		d.initNonce = ""
		d.passcode = ""
		d.lockKey = ""
		d.aesKey = ""
		d.settingMode = true
		return StatusOK, nil

	default:
		return StatusUnsupported, nil
	}
}

func (d *simDevice) recordPayload() []byte {
	w := &PayloadWriter{}
	return w.PutString(d.lockName).
		PutString(simLockVersion).
		PutUint16(d.adminID).
		PutString(d.lockKey).
		PutString(d.aesKey).
		Bytes()
}

func validPasscode(code string) bool {
	if len(code) < 4 || len(code) > 9 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
