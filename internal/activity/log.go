package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/store"
)

// Key is where the log array lives, newest entry first.
const Key = "wizsmith_logs"

// Uploader ships log entries to the backend (POST logs/bulk).
type Uploader interface {
	UploadLogs(ctx context.Context, logs []model.ActivityLog) error
}

// Log is the technician's local audit trail. Entries are created pending and
// only become synced after a successful upload.
type Log struct {
	kv  store.KV
	now func() time.Time

	mu     sync.Mutex
	syncMu sync.Mutex
}

func NewLog(kv store.KV) *Log {
	return &Log{kv: kv, now: time.Now}
}

// Record prepends a pending entry.
func (l *Log) Record(ctx context.Context, action, details string) (model.ActivityLog, error) {
	entry := model.ActivityLog{
		ID:        uuid.NewString(),
		Timestamp: l.now().UnixMilli(),
		Action:    action,
		Details:   details,
		Status:    model.LogPending,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	logs, err := l.load(ctx)
	if err != nil {
		return model.ActivityLog{}, err
	}
	logs = append([]model.ActivityLog{entry}, logs...)
	if err := store.SetJSON(ctx, l.kv, Key, logs); err != nil {
		return model.ActivityLog{}, fmt.Errorf("failed to save activity log: %w", err)
	}
	return entry, nil
}

// List returns all entries, newest first.
func (l *Log) List(ctx context.Context) ([]model.ActivityLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

func (l *Log) PendingCount(ctx context.Context) (int, error) {
	logs, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(pendingOf(logs)), nil
}

// Sync uploads every pending entry and marks exactly those as synced. Entries
// recorded while the upload is in flight stay pending for the next round.
func (l *Log) Sync(ctx context.Context, up Uploader) (int, error) {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	logs, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	pending := pendingOf(logs)
	if len(pending) == 0 {
		return 0, nil
	}

	if err := up.UploadLogs(ctx, pending); err != nil {
		return 0, fmt.Errorf("failed to upload logs: %w", err)
	}

	uploaded := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		uploaded[p.ID] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	for i := range current {
		if _, ok := uploaded[current[i].ID]; ok {
			current[i].Status = model.LogSynced
		}
	}
	if err := store.SetJSON(ctx, l.kv, Key, current); err != nil {
		return 0, fmt.Errorf("failed to save activity log: %w", err)
	}
	return len(pending), nil
}

// load must be called with mu held.
func (l *Log) load(ctx context.Context) ([]model.ActivityLog, error) {
	var logs []model.ActivityLog
	err := store.GetJSON(ctx, l.kv, Key, &logs)
	if errors.Is(err, store.ErrNotFound) {
		return []model.ActivityLog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activity log: %w", err)
	}
	return logs, nil
}

func pendingOf(logs []model.ActivityLog) []model.ActivityLog {
	out := make([]model.ActivityLog, 0)
	for _, e := range logs {
		if e.Status == model.LogPending {
			out = append(out, e)
		}
	}
	return out
}
