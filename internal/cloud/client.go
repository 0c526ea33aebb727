package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/util"
)

// IdempotencyHeader carries the client-generated dedup key.
const IdempotencyHeader = "Idempotency-Key"

// RejectedError is a business-rule refusal from the vendor cloud. It is
// never retried.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("cloud rejected request: errcode=%d %s", e.Code, e.Message)
}

func (e *RejectedError) FaultKind() fault.Kind { return fault.Rejected }

// Response is the envelope every vendor call answers with.
type Response struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	Description string `json:"description,omitempty"`
}

// LockRegistration identifies a lock bound to the account.
type LockRegistration struct {
	LockID int64 `json:"lockId"`
	KeyID  int64 `json:"keyId"`
}

type Config struct {
	BaseURL     string
	ClientID    string
	AccessToken string
	Retry       util.Policy
	Timeout     time.Duration
}

// Client talks to the lock vendor's open API.
type Client struct {
	baseURL     string
	clientID    string
	accessToken string
	http        *http.Client
	retry       util.Policy
	log         zerolog.Logger
	now         func() time.Time
}

func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = util.Policy{Attempts: 3, Initial: 500 * time.Millisecond, Max: 4 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:    cfg.ClientID,
		accessToken: cfg.AccessToken,
		http:        &http.Client{Timeout: cfg.Timeout},
		retry:       cfg.Retry,
		log:         log,
		now:         time.Now,
	}
}

// RegisterLock binds an activated lock to the account (lock/initialize).
func (c *Client) RegisterLock(ctx context.Context, rec model.ActivationRecord, alias, key string) (LockRegistration, error) {
	lockData, err := json.Marshal(rec)
	if err != nil {
		return LockRegistration{}, fault.FatalErr(fmt.Errorf("failed to encode lock data: %w", err))
	}
	form := url.Values{}
	form.Set("lockData", string(lockData))
	form.Set("lockAlias", alias)

	var out struct {
		Response
		LockRegistration
	}
	if err := c.post(ctx, "lock/initialize", form, key, &out); err != nil {
		return LockRegistration{}, err
	}
	return out.LockRegistration, nil
}

// SendAdminKey issues the permanent admin eKey for lockID to receiver.
func (c *Client) SendAdminKey(ctx context.Context, lockID int64, receiver, key string) (int64, error) {
	form := url.Values{}
	form.Set("lockId", strconv.FormatInt(lockID, 10))
	form.Set("receiverUsername", receiver)
	form.Set("keyName", "WizSmith Master")
	form.Set("startDate", "0")
	form.Set("endDate", "0")

	var out struct {
		Response
		KeyID int64 `json:"keyId"`
	}
	if err := c.post(ctx, "key/send", form, key, &out); err != nil {
		return 0, err
	}
	return out.KeyID, nil
}

// RegisterGateway binds a configured gateway (gateway/isInit).
func (c *Client) RegisterGateway(ctx context.Context, mac, ssid, key string) (int64, error) {
	form := url.Values{}
	form.Set("gatewayNetMac", mac)
	form.Set("ssid", ssid)

	var out struct {
		Response
		GatewayID int64 `json:"gatewayId"`
	}
	if err := c.post(ctx, "gateway/isInit", form, key, &out); err != nil {
		return 0, err
	}
	return out.GatewayID, nil
}

// UpdateLockDate aligns the cloud's view of the lock clock (lock/updateDate).
func (c *Client) UpdateLockDate(ctx context.Context, lockID int64, key string) error {
	form := url.Values{}
	form.Set("lockId", strconv.FormatInt(lockID, 10))
	var out Response
	return c.post(ctx, "lock/updateDate", form, key, &out)
}

// DeleteLock unbinds a lock, used when a provisioning run is cancelled.
func (c *Client) DeleteLock(ctx context.Context, lockID int64, key string) error {
	form := url.Values{}
	form.Set("lockId", strconv.FormatInt(lockID, 10))
	var out Response
	return c.post(ctx, "lock/delete", form, key, &out)
}

// post sends a signed form and decodes the answer into out, which must embed
// Response or be one.
func (c *Client) post(ctx context.Context, path string, form url.Values, key string, out any) error {
	endpoint := c.baseURL + "/" + path
	newReq := func(ctx context.Context) (*http.Request, error) {
		body := url.Values{}
		for k, v := range form {
			body[k] = v
		}
		body.Set("clientId", c.clientID)
		body.Set("accessToken", c.accessToken)
		body.Set("date", strconv.FormatInt(c.now().UnixMilli(), 10))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
		return req, nil
	}

	status, raw, err := util.DoWithRetry(ctx, c.http, c.retry, newReq, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("path", path).Dur("wait", wait).Msg("cloud call failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("cloud %s: %w", path, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("cloud %s: %w", path, &RejectedError{Code: -status, Message: http.StatusText(status)})
	}

	var env Response
	if err := json.Unmarshal(raw, &env); err != nil {
		return fault.FatalErr(fmt.Errorf("cloud %s: invalid response: %w", path, err))
	}
	if env.ErrCode != 0 {
		msg := env.ErrMsg
		if env.Description != "" {
			msg += ": " + env.Description
		}
		return fmt.Errorf("cloud %s: %w", path, &RejectedError{Code: env.ErrCode, Message: msg})
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fault.FatalErr(fmt.Errorf("cloud %s: invalid response: %w", path, err))
	}
	return nil
}
