package lockproto

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/logging"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/util"
)

// Step is one sub-step of lock activation.
type Step string

const (
	StepInit          Step = "init"
	StepSetPasscode   Step = "set_admin_passcode"
	StepCalibrateTime Step = "calibrate_time"
)

// ErrForeignLock means the lock was initialised by someone else and must be
// factory reset before it can be provisioned.
var ErrForeignLock = fault.RejectedErr(errors.New("lock is bound to another account"))

// Progress records which activation sub-steps completed. It is persisted
// after every step so a resumed session never re-issues a finished one.
type Progress struct {
	// InitNonce tags our init so a lost response can be recovered.
	InitNonce  string `json:"initNonce,omitempty"`
	InitIssued bool   `json:"initIssued,omitempty"`

	Record          *model.ActivationRecord `json:"record,omitempty"`
	PasscodeSet     bool                    `json:"passcodeSet,omitempty"`
	ClockCalibrated bool                    `json:"clockCalibrated,omitempty"`
}

// Done reports whether every sub-step completed.
func (p Progress) Done() bool {
	return p.Record != nil && p.PasscodeSet && p.ClockCalibrated
}

// Next returns the first unfinished sub-step, or "" when done.
func (p Progress) Next() Step {
	switch {
	case p.Record == nil:
		return StepInit
	case !p.PasscodeSet:
		return StepSetPasscode
	case !p.ClockCalibrated:
		return StepCalibrateTime
	default:
		return ""
	}
}

// Checkpoint persists progress. Activation stops if it fails.
type Checkpoint func(ctx context.Context, p Progress) error

// Options tunes a Client. Zero values get sensible defaults.
type Options struct {
	CommandTimeout time.Duration
	Retry          util.Policy
	// OnRetry is told about every transient failure before the wait.
	OnRetry func(step Step, err error, wait time.Duration)
	Now     func() time.Time
	// Passcode generates the per-lock admin keypad code.
	Passcode func() (string, error)
}

// Client speaks the lock and gateway command set over a ble.Conn.
type Client struct {
	log  zerolog.Logger
	opts Options
}

func New(log zerolog.Logger, opts Options) *Client {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 3 * time.Second
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = util.Policy{Attempts: 3, Initial: 250 * time.Millisecond, Max: 2 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Passcode == nil {
		opts.Passcode = GeneratePasscode
	}
	return &Client{log: log, opts: opts}
}

// Activate runs the remaining sub-steps of p on conn. Timeouts are retried
// per step; a lost link is returned at once so the caller can reconnect and
// call Activate again with the last checkpointed progress.
func (c *Client) Activate(ctx context.Context, conn ble.Conn, p Progress, save Checkpoint) (Progress, error) {
	if p.Record == nil {
		if p.InitNonce == "" {
			p.InitNonce = uuid.NewString()
		}
		var rec *model.ActivationRecord
		err := c.retry(ctx, StepInit, func() error {
			var err error
			rec, err = c.initOnce(ctx, conn, &p, save)
			return err
		})
		if err != nil {
			return p, fmt.Errorf("%s: %w", StepInit, err)
		}
		p.Record = rec
		if err := save(ctx, p); err != nil {
			return p, checkpointErr(err)
		}
	}

	if !p.PasscodeSet {
		if p.Record.AdminPwd == "" {
			code, err := c.opts.Passcode()
			if err != nil {
				return p, fault.FatalErr(fmt.Errorf("failed to generate passcode: %w", err))
			}
			p.Record.AdminPwd = code
			// persist the code first so a retry after a crash sends the same one
			if err := save(ctx, p); err != nil {
				return p, checkpointErr(err)
			}
		}
		w := &ble.PayloadWriter{}
		payload := w.PutString(p.Record.AdminPwd).Bytes()
		if err := c.retry(ctx, StepSetPasscode, func() error {
			return c.exec(ctx, conn, ble.Command{Op: ble.OpSetAdminPasscode, Payload: payload})
		}); err != nil {
			return p, fmt.Errorf("%s: %w", StepSetPasscode, err)
		}
		p.PasscodeSet = true
		if err := save(ctx, p); err != nil {
			return p, checkpointErr(err)
		}
	}

	if !p.ClockCalibrated {
		if err := c.retry(ctx, StepCalibrateTime, func() error {
			w := &ble.PayloadWriter{}
			payload := w.PutUint64(uint64(c.opts.Now().UnixMilli())).Bytes()
			return c.exec(ctx, conn, ble.Command{Op: ble.OpCalibrateTime, Payload: payload})
		}); err != nil {
			return p, fmt.Errorf("%s: %w", StepCalibrateTime, err)
		}
		p.ClockCalibrated = true
		if err := save(ctx, p); err != nil {
			return p, checkpointErr(err)
		}
	}

	return p, nil
}

// initOnce issues init at most once per nonce. Once the intent is
// persisted, later attempts ask the lock whether our init landed instead of
// sending it again.
func (c *Client) initOnce(ctx context.Context, conn ble.Conn, p *Progress, save Checkpoint) (*model.ActivationRecord, error) {
	if p.InitIssued {
		w := &ble.PayloadWriter{}
		resp, err := conn.SendCommand(ctx, ble.Command{Op: ble.OpQueryInit, Payload: w.PutString(p.InitNonce).Bytes()}, c.opts.CommandTimeout)
		if err != nil {
			return nil, err
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			return nil, fault.FatalErr(errors.New("empty init query response"))
		}
		switch resp.Data[0] {
		case ble.InitStateOurs:
			c.log.Info().Str("mac", logging.MaskMAC(conn.MAC())).Msg("recovered activation record from earlier init")
			return parseRecord(conn.MAC(), resp.Data[1:])
		case ble.InitStateForeign:
			return nil, ErrForeignLock
		}
		// fresh: the earlier init never reached the lock
	}

	p.InitIssued = true
	if err := save(ctx, *p); err != nil {
		return nil, checkpointErr(err)
	}

	w := &ble.PayloadWriter{}
	resp, err := conn.SendCommand(ctx, ble.Command{Op: ble.OpInit, Payload: w.PutString(p.InitNonce).Bytes()}, c.opts.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return parseRecord(conn.MAC(), resp.Data)
}

func parseRecord(mac string, data []byte) (*model.ActivationRecord, error) {
	r := ble.NewPayloadReader(data)
	rec := &model.ActivationRecord{
		LockMAC:     mac,
		LockName:    r.ReadString(),
		LockVersion: r.ReadString(),
		AdminID:     int(r.ReadUint16()),
		LockKey:     r.ReadString(),
		AESKey:      r.ReadString(),
	}
	if err := r.Err(); err != nil {
		return nil, fault.FatalErr(fmt.Errorf("malformed activation record: %w", err))
	}
	return rec, nil
}

// exec sends cmd and folds a refused status into the error.
func (c *Client) exec(ctx context.Context, conn ble.Conn, cmd ble.Command) error {
	resp, err := conn.SendCommand(ctx, cmd, c.opts.CommandTimeout)
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) query(ctx context.Context, conn ble.Conn, op ble.Op) (ble.Response, error) {
	var resp ble.Response
	err := c.retry(ctx, Step(op.String()), func() error {
		var err error
		resp, err = conn.SendCommand(ctx, ble.Command{Op: op}, c.opts.CommandTimeout)
		if err != nil {
			return err
		}
		return resp.Err()
	})
	return resp, err
}

// retry retries transient failures of op except a lost link, which no
// amount of waiting on the same connection can fix.
func (c *Client) retry(ctx context.Context, step Step, op func() error) error {
	wrapped := func() error {
		err := op()
		if errors.Is(err, ble.ErrLinkLost) {
			return backoff.Permanent(err)
		}
		return err
	}
	return util.RetryTransient(ctx, c.opts.Retry, wrapped, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("step", string(step)).Dur("wait", wait).Msg("lock command failed, retrying")
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(step, err, wait)
		}
	})
}

func checkpointErr(err error) error {
	return fault.FatalErr(fmt.Errorf("failed to persist activation progress: %w", err))
}

// GeneratePasscode returns a random 7 digit admin keypad code.
func GeneratePasscode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%07d", n.Int64()), nil
}
