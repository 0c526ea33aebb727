package inventory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/util"
)

const (
	idempotencyHeader = "Idempotency-Key"
	apiKeyHeader      = "X-API-Key"
)

// RejectedError is a 4xx answer from the inventory. It is not retried.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("inventory rejected request: %d %s", e.StatusCode, e.Message)
}

func (e *RejectedError) FaultKind() fault.Kind { return fault.Rejected }

// Receipt is the inventory's acknowledgement of a registration.
type Receipt struct {
	ID      string                    `json:"id"`
	Payload model.RegistrationPayload `json:"payload"`
}

type Config struct {
	BaseURL string
	APIKey  string
	Retry   util.Policy
	Timeout time.Duration
}

// Client talks to the building inventory backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   util.Policy
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = util.Policy{Attempts: 3, Initial: 500 * time.Millisecond, Max: 4 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		retry:   cfg.Retry,
		log:     log,
	}
}

func (c *Client) Buildings(ctx context.Context) ([]model.Building, error) {
	var out []model.Building
	err := c.do(ctx, http.MethodGet, "/locations/buildings", nil, "", &out)
	return out, err
}

func (c *Client) Floors(ctx context.Context, buildingID string) ([]model.Floor, error) {
	var out []model.Floor
	err := c.do(ctx, http.MethodGet, "/locations/buildings/"+url.PathEscape(buildingID)+"/floors", nil, "", &out)
	return out, err
}

func (c *Client) Rooms(ctx context.Context, floorID string) ([]model.Room, error) {
	var out []model.Room
	err := c.do(ctx, http.MethodGet, "/locations/floors/"+url.PathEscape(floorID)+"/rooms", nil, "", &out)
	return out, err
}

// RegisterDevice writes the registration record. Repeating the call with
// the same key returns the original receipt.
func (c *Client) RegisterDevice(ctx context.Context, p model.RegistrationPayload, key string) (Receipt, error) {
	var out Receipt
	if err := c.do(ctx, http.MethodPost, "/devices/register", p, key, &out); err != nil {
		return Receipt{}, err
	}
	return out, nil
}

// DeleteRegistration removes the record written under key. A record that
// does not exist counts as removed.
func (c *Client) DeleteRegistration(ctx context.Context, key string) error {
	err := c.do(ctx, http.MethodDelete, "/devices/register/"+url.PathEscape(key), nil, "", nil)
	var rejected *RejectedError
	if err != nil && errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// UploadLogs sends a batch of activity logs. The batch key is derived from
// the entry ids so a retried upload is not stored twice.
func (c *Client) UploadLogs(ctx context.Context, logs []model.ActivityLog) error {
	h := sha256.New()
	for _, l := range logs {
		h.Write([]byte(l.ID))
		h.Write([]byte{0})
	}
	key := hex.EncodeToString(h.Sum(nil))
	body := struct {
		Logs []model.ActivityLog `json:"logs"`
	}{Logs: logs}
	return c.do(ctx, http.MethodPost, "/logs/bulk", body, key, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in any, key string, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fault.FatalErr(fmt.Errorf("failed to encode request: %w", err))
		}
	}
	endpoint := c.baseURL + path
	newReq := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if key != "" {
			req.Header.Set(idempotencyHeader, key)
		}
		if c.apiKey != "" {
			req.Header.Set(apiKeyHeader, c.apiKey)
		}
		return req, nil
	}

	status, raw, err := util.DoWithRetry(ctx, c.http, c.retry, newReq, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Dur("wait", wait).Msg("inventory call failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("inventory %s %s: %w", method, path, err)
	}
	if status < 200 || status > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := http.StatusText(status)
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("inventory %s %s: %w", method, path, &RejectedError{StatusCode: status, Message: msg})
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fault.FatalErr(fmt.Errorf("inventory %s %s: invalid response: %w", method, path, err))
		}
	}
	return nil
}
