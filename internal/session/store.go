package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
	"github.com/joel-Y/WizLock-Tech-App/internal/store"
)

// Key is where the session document lives.
const Key = "wizsmith_session"

// Store keeps at most one technician session in a KV.
type Store struct {
	kv store.KV
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// Save overwrites any previous session.
func (s *Store) Save(ctx context.Context, sess model.Session) error {
	return store.SetJSON(ctx, s.kv, Key, sess)
}

// Load returns nil without error when nobody is signed in.
func (s *Store) Load(ctx context.Context) (*model.Session, error) {
	var sess model.Session
	err := store.GetJSON(ctx, s.kv, Key, &sess)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, Key)
}
