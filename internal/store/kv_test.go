package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseKV runs the contract every backend must satisfy.
func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, err := kv.Get(ctx, "wizsmith_session")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "wizsmith_session", []byte(`{"username":"tech"}`)))
	got, err := kv.Get(ctx, "wizsmith_session")
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"tech"}`, string(got))

	require.NoError(t, kv.Set(ctx, "wizsmith_progress:AA", []byte(`{}`)))
	require.NoError(t, kv.Set(ctx, "wizsmith_progress:BB", []byte(`{}`)))
	keys, err := kv.Keys(ctx, "wizsmith_progress:")
	require.NoError(t, err)
	assert.Equal(t, []string{"wizsmith_progress:AA", "wizsmith_progress:BB"}, keys)

	require.NoError(t, kv.Delete(ctx, "wizsmith_session"))
	require.NoError(t, kv.Delete(ctx, "wizsmith_session"), "delete is idempotent")
	_, err = kv.Get(ctx, "wizsmith_session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory(t *testing.T) {
	exerciseKV(t, NewMemory())
}

func TestFile(t *testing.T) {
	exerciseKV(t, mustOpenFile(t, filepath.Join(t.TempDir(), "state.json")))
}

func TestFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	f := mustOpenFile(t, path)
	require.NoError(t, SetJSON(ctx, f, "wizsmith_logs", []map[string]string{{"id": "1"}}))

	reopened := mustOpenFile(t, path)
	var logs []map[string]string
	require.NoError(t, GetJSON(ctx, reopened, "wizsmith_logs", &logs))
	assert.Equal(t, "1", logs[0]["id"])
}

func TestFileRejectsInvalidJSON(t *testing.T) {
	f := mustOpenFile(t, filepath.Join(t.TempDir(), "state.json"))
	err := f.Set(context.Background(), "k", []byte("not json"))
	assert.Error(t, err)
}

func TestOpenFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))
	_, err := OpenFile(path)
	assert.Error(t, err)
}

func TestRedis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis store test")
	}
	r, err := NewRedis(context.Background(), url, "test-"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	exerciseKV(t, r)
}

func mustOpenFile(t *testing.T, path string) *File {
	t.Helper()
	f, err := OpenFile(path)
	require.NoError(t, err)
	return f
}
