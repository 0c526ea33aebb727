package ble

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

//go:embed fleet.yaml
var defaultFleetYAML []byte

// Fleet describes the simulated devices within radio range.
type Fleet struct {
	Latency time.Duration `yaml:"latency"`
	Devices []FleetDevice `yaml:"devices"`
}

type FleetDevice struct {
	MAC         string           `yaml:"mac"`
	Name        string           `yaml:"name"`
	RSSI        int              `yaml:"rssi"`
	SettingMode bool             `yaml:"settingMode"`
	Kind        model.DeviceKind `yaml:"kind"`
	Battery     *int             `yaml:"battery,omitempty"`
	Firmware    string           `yaml:"firmware,omitempty"`
	// ClockDrift offsets the device clock until it is calibrated.
	ClockDrift time.Duration `yaml:"clockDrift,omitempty"`
	// QROnly devices do not show up in scans, only via their QR label.
	QROnly bool `yaml:"qrOnly,omitempty"`
}

// DefaultFleet returns the built-in demo fleet.
func DefaultFleet() Fleet {
	f, err := ParseFleet(defaultFleetYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded fleet is invalid: %v", err))
	}
	return f
}

// LoadFleet reads a fleet definition from a YAML file.
func LoadFleet(path string) (Fleet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fleet{}, fmt.Errorf("failed to read fleet file: %w", err)
	}
	return ParseFleet(raw)
}

func ParseFleet(raw []byte) (Fleet, error) {
	var f Fleet
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Fleet{}, fmt.Errorf("failed to parse fleet: %w", err)
	}
	seen := map[string]bool{}
	for i, d := range f.Devices {
		d.MAC = model.NormalizeMAC(d.MAC)
		if d.MAC == "" {
			return Fleet{}, fmt.Errorf("fleet device %d has no mac", i)
		}
		if seen[d.MAC] {
			return Fleet{}, fmt.Errorf("duplicate fleet device %s", d.MAC)
		}
		seen[d.MAC] = true
		kind, err := model.ParseDeviceKind(string(d.Kind))
		if err != nil {
			return Fleet{}, fmt.Errorf("fleet device %s: %w", d.MAC, err)
		}
		d.Kind = kind
		f.Devices[i] = d
	}
	return f, nil
}

func (d FleetDevice) toModel() model.Device {
	dev := model.Device{
		MACAddress:      d.MAC,
		Name:            d.Name,
		RSSI:            d.RSSI,
		IsSettingMode:   d.SettingMode,
		Type:            d.Kind,
		FirmwareVersion: d.Firmware,
	}
	if d.Battery != nil {
		b := *d.Battery
		dev.BatteryLevel = &b
	}
	return dev
}
