package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/joel-Y/WizLock-Tech-App/internal/lockproto"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/store"
)

// ProgressKeyPrefix namespaces persisted run progress per device.
const ProgressKeyPrefix = "wizsmith_progress:"

// Operation names feed the idempotency keys.
const (
	opCloudRegisterLock    = "cloud.lock.initialize"
	opCloudRegisterGateway = "cloud.gateway.isInit"
	opCloudAdminKey        = "cloud.key.send"
	opCloudUpdateDate      = "cloud.lock.updateDate"
	opCloudDeleteLock      = "cloud.lock.delete"
	opBackendRegister      = "backend.devices.register"
)

// IdempotencyKey derives the dedup key for one operation of one
// provisioning session: sha256(MAC|session|operation).
func IdempotencyKey(mac, sessionID, op string) string {
	sum := sha256.Sum256([]byte(model.NormalizeMAC(mac) + "|" + sessionID + "|" + op))
	return hex.EncodeToString(sum[:])
}

// Progress is everything a run has achieved for one device. It survives
// restarts so a later Start for the same MAC resumes instead of repeating
// completed work.
type Progress struct {
	// SessionID scopes the idempotency keys. It changes only when remote
	// records are rolled back by a cancellation.
	SessionID string           `json:"sessionId"`
	MAC       string           `json:"macAddress"`
	Kind      model.DeviceKind `json:"deviceType"`

	Activation     lockproto.Progress `json:"activation"`
	WiFiConfigured bool               `json:"wifiConfigured,omitempty"`
	WiFiSSID       string             `json:"wifiSsid,omitempty"`

	CloudLockID     int64 `json:"cloudLockId,omitempty"`
	CloudKeyID      int64 `json:"cloudKeyId,omitempty"`
	GatewayID       int64 `json:"gatewayId,omitempty"`
	AdminKeyID      int64 `json:"adminKeyId,omitempty"`
	AdminKeySent    bool  `json:"adminKeySent,omitempty"`
	CloudDateSynced bool  `json:"cloudDateSynced,omitempty"`

	// BackendAttempted is set before the first register call so a
	// cancellation knows a record may exist even without a receipt.
	BackendAttempted bool                       `json:"backendAttempted,omitempty"`
	InventoryID      string                     `json:"inventoryId,omitempty"`
	Payload          *model.RegistrationPayload `json:"payload,omitempty"`
}

// CloudID is the vendor id of the device: lock id or gateway id.
func (p *Progress) CloudID() int64 {
	if p.Kind == model.KindGateway {
		return p.GatewayID
	}
	return p.CloudLockID
}

func (p *Progress) key(op string) string {
	return IdempotencyKey(p.MAC, p.SessionID, op)
}

// bleDone reports whether nothing is left to do over the radio.
func (p *Progress) bleDone() bool {
	if p.Kind == model.KindGateway {
		return p.WiFiConfigured
	}
	return p.Activation.Done()
}

// rollbackRemote forgets every remote record under a fresh session while
// keeping what the device itself has already been told.
func (p *Progress) rollbackRemote(newSession string) {
	if p.Activation.Record != nil {
		rec := *p.Activation.Record
		rec.LockID, rec.KeyID = 0, 0
		p.Activation.Record = &rec
	}
	*p = Progress{
		SessionID:      newSession,
		MAC:            p.MAC,
		Kind:           p.Kind,
		Activation:     p.Activation,
		WiFiConfigured: p.WiFiConfigured,
		WiFiSSID:       p.WiFiSSID,
	}
}

type progressStore struct {
	kv store.KV
}

func progressKey(mac string) string {
	return ProgressKeyPrefix + model.NormalizeMAC(mac)
}

// load returns nil when nothing is stored for mac.
func (s progressStore) load(ctx context.Context, mac string) (*Progress, error) {
	var p Progress
	err := store.GetJSON(ctx, s.kv, progressKey(mac), &p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s progressStore) save(ctx context.Context, p *Progress) error {
	return store.SetJSON(ctx, s.kv, progressKey(p.MAC), p)
}

func (s progressStore) clear(ctx context.Context, mac string) error {
	return s.kv.Delete(ctx, progressKey(mac))
}

// pending lists the MACs with unfinished progress.
func (s progressStore) pending(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, ProgressKeyPrefix)
	if err != nil {
		return nil, err
	}
	macs := make([]string, 0, len(keys))
	for _, k := range keys {
		macs = append(macs, k[len(ProgressKeyPrefix):])
	}
	return macs, nil
}
