package ble

import (
	"fmt"
	"net"
	"strings"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// ParseQR decodes the label printed under a device's battery cover:
//
//	WZ1;<MAC>;<name>;<LOCK|GATEWAY>
//
// QR-scanned devices are assumed to be in setting mode.
func ParseQR(code string) (model.Device, error) {
	parts := strings.Split(strings.TrimSpace(code), ";")
	if len(parts) != 4 || parts[0] != "WZ1" {
		return model.Device{}, fmt.Errorf("unrecognised device label")
	}
	mac := model.NormalizeMAC(parts[1])
	if _, err := net.ParseMAC(mac); err != nil {
		return model.Device{}, fmt.Errorf("invalid mac in label: %w", err)
	}
	kind, err := model.ParseDeviceKind(parts[3])
	if err != nil {
		return model.Device{}, err
	}
	name := strings.TrimSpace(parts[2])
	if name == "" {
		name = mac
	}
	return model.Device{
		MACAddress:    mac,
		Name:          name,
		IsSettingMode: true,
		Type:          kind,
	}, nil
}

// QRLabel renders the label ParseQR understands.
func QRLabel(d model.Device) string {
	return fmt.Sprintf("WZ1;%s;%s;%s", d.MACAddress, d.Name, d.Type)
}
