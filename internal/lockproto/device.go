package lockproto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
)

// ConfigureWiFi joins a gateway to the site network. Re-sending the same
// configuration is harmless, so timeouts are retried.
func (c *Client) ConfigureWiFi(ctx context.Context, conn ble.Conn, ssid, password string) error {
	if ssid == "" {
		return fault.RejectedErr(errors.New("wifi ssid is required"))
	}
	w := &ble.PayloadWriter{}
	payload := w.PutString(ssid).PutString(password).Bytes()
	err := c.retry(ctx, "configure_wifi", func() error {
		return c.exec(ctx, conn, ble.Command{Op: ble.OpConfigureWiFi, Payload: payload})
	})
	if err != nil {
		return fmt.Errorf("configure wifi: %w", err)
	}
	return nil
}

func (c *Client) FirmwareVersion(ctx context.Context, conn ble.Conn) (string, error) {
	resp, err := c.query(ctx, conn, ble.OpFirmwareVersion)
	if err != nil {
		return "", fmt.Errorf("firmware version: %w", err)
	}
	r := ble.NewPayloadReader(resp.Data)
	v := r.ReadString()
	if err := r.Err(); err != nil {
		return "", fault.FatalErr(fmt.Errorf("malformed firmware response: %w", err))
	}
	return v, nil
}

// Battery returns the charge level in percent.
func (c *Client) Battery(ctx context.Context, conn ble.Conn) (int, error) {
	resp, err := c.query(ctx, conn, ble.OpBattery)
	if err != nil {
		return 0, fmt.Errorf("battery: %w", err)
	}
	r := ble.NewPayloadReader(resp.Data)
	level := r.ReadUint8()
	if err := r.Err(); err != nil {
		return 0, fault.FatalErr(fmt.Errorf("malformed battery response: %w", err))
	}
	return int(level), nil
}

// ClockDrift returns how far the device clock runs ahead of ours.
func (c *Client) ClockDrift(ctx context.Context, conn ble.Conn) (time.Duration, error) {
	sent := c.opts.Now()
	resp, err := c.query(ctx, conn, ble.OpReadClock)
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	r := ble.NewPayloadReader(resp.Data)
	deviceMs := r.ReadUint64()
	if err := r.Err(); err != nil {
		return 0, fault.FatalErr(fmt.Errorf("malformed clock response: %w", err))
	}
	// compare against the midpoint of the round trip
	mid := sent.Add(c.opts.Now().Sub(sent) / 2)
	return time.UnixMilli(int64(deviceMs)).Sub(mid).Round(time.Millisecond), nil
}

// FactoryReset wipes the lock back to setting mode.
func (c *Client) FactoryReset(ctx context.Context, conn ble.Conn) error {
	if _, err := c.query(ctx, conn, ble.OpFactoryReset); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	return nil
}
