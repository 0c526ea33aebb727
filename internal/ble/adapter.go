package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// Command is a request sent to a connected device.
type Command struct {
	Op      Op
	Payload []byte
}

// Response is the device's answer to a Command.
type Response struct {
	Op     Op
	Status Status
	Data   []byte
}

// Err turns a non-OK status into a *StatusError.
func (r Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &StatusError{Op: r.Op, Status: r.Status}
}

// StatusError is a device-side refusal. It is never retried.
type StatusError struct {
	Op     Op
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ble: %s refused: %s", e.Op, e.Status)
}

func (e *StatusError) FaultKind() fault.Kind { return fault.Rejected }

// Adapter is a BLE radio able to scan and hold connections.
type Adapter interface {
	Scan(ctx context.Context, timeout time.Duration) ([]model.Device, error)
	// Connect fails with ErrTimeout, ErrNotFound or ErrAlreadyConnected.
	Connect(ctx context.Context, mac string, timeout time.Duration) (Conn, error)
}

// Conn is an open link to one device.
type Conn interface {
	MAC() string
	// SendCommand fails with ErrTimeout or ErrLinkLost.
	SendCommand(ctx context.Context, cmd Command, timeout time.Duration) (Response, error)
	// Disconnect releases the link. Calling it again is a no-op.
	Disconnect() error
}

// AdvertisementSource exposes the last raw advertisement seen for a device.
type AdvertisementSource interface {
	Advertisement(mac string) ([]byte, bool)
}

// transport moves raw frames for a framedConn. Lost is closed when the
// link drops; Notifications is never closed.
type transport interface {
	Write(ctx context.Context, frame []byte) error
	Notifications() <-chan []byte
	Lost() <-chan struct{}
	Close() error
}

type framedConn struct {
	mac string
	t   transport

	mu  sync.Mutex
	seq byte

	closeOnce sync.Once
	closeErr  error
}

func newFramedConn(mac string, t transport) *framedConn {
	return &framedConn{mac: mac, t: t}
}

func (c *framedConn) MAC() string { return c.mac }

func (c *framedConn) SendCommand(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.t.Lost():
		return Response{}, ErrLinkLost
	default:
	}

	c.seq++
	seq := c.seq
	raw, err := Frame{Op: cmd.Op, Seq: seq, Payload: cmd.Payload}.Encode()
	if err != nil {
		return Response{}, fault.FatalErr(err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := c.t.Write(ctx, raw); err != nil {
		return Response{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-c.t.Lost():
			return Response{}, ErrLinkLost
		case <-timer.C:
			return Response{}, ErrTimeout
		case note := <-c.t.Notifications():
			f, err := DecodeFrame(note)
			if err != nil {
				continue
			}
			// late answers to earlier timed-out commands are dropped
			if f.Seq != seq || f.Op != cmd.Op || len(f.Payload) == 0 {
				continue
			}
			return Response{Op: f.Op, Status: Status(f.Payload[0]), Data: f.Payload[1:]}, nil
		}
	}
}

func (c *framedConn) Disconnect() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.t.Close()
	})
	return c.closeErr
}

// Exclusive enforces the single system-wide link. A Connect while another
// link is open or being opened fails at once with ErrAlreadyConnected. The
// slot is released by Disconnect, which callers must always invoke.
type Exclusive struct {
	inner Adapter

	mu     sync.Mutex
	holder string
}

func NewExclusive(inner Adapter) *Exclusive {
	return &Exclusive{inner: inner}
}

func (e *Exclusive) Scan(ctx context.Context, timeout time.Duration) ([]model.Device, error) {
	return e.inner.Scan(ctx, timeout)
}

func (e *Exclusive) Connect(ctx context.Context, mac string, timeout time.Duration) (Conn, error) {
	e.mu.Lock()
	if e.holder != "" {
		e.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	e.holder = mac
	e.mu.Unlock()

	conn, err := e.inner.Connect(ctx, mac, timeout)
	if err != nil {
		e.release()
		return nil, err
	}
	return &exclusiveConn{Conn: conn, release: e.release}, nil
}

// Holder returns the MAC of the device holding the link, if any.
func (e *Exclusive) Holder() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holder
}

func (e *Exclusive) Advertisement(mac string) ([]byte, bool) {
	if src, ok := e.inner.(AdvertisementSource); ok {
		return src.Advertisement(mac)
	}
	return nil, false
}

func (e *Exclusive) release() {
	e.mu.Lock()
	e.holder = ""
	e.mu.Unlock()
}

type exclusiveConn struct {
	Conn
	once    sync.Once
	release func()
}

func (c *exclusiveConn) Disconnect() error {
	err := c.Conn.Disconnect()
	c.once.Do(c.release)
	return err
}
