//go:build !linux

package ble

import (
	"context"
	"errors"
	"time"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

var errNoHCI = errors.New("ble: HCI backend is only available on linux")

// HCIAdapter is unavailable on this platform.
type HCIAdapter struct{}

func NewHCIAdapter(int) (*HCIAdapter, error) {
	return nil, errNoHCI
}

func (a *HCIAdapter) Scan(context.Context, time.Duration) ([]model.Device, error) {
	return nil, errNoHCI
}

func (a *HCIAdapter) Connect(context.Context, string, time.Duration) (Conn, error) {
	return nil, errNoHCI
}
