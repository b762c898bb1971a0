package session_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/session"
)

func newStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	return store
}

// Feature: codetime, Property 1: Session persistence round-trip
func TestSessionPersistenceRoundTrip(t *testing.T) {
	store := newStore(t)

	rapid.Check(t, func(rt *rapid.T) {
		key := rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9_]{0,15}`).Draw(rt, "key")
		value := rapid.String().Draw(rt, "value")

		if err := store.Set(key, value); err != nil {
			rt.Fatalf("Set: %v", err)
		}
		got, ok := store.Get(key)
		if !ok {
			rt.Fatalf("key %q missing after Set", key)
		}
		if got != value {
			rt.Fatalf("round-trip mismatch: got %q, want %q", got, value)
		}
	})
}

func TestAbsentFileIsEmptyState(t *testing.T) {
	store := newStore(t)

	_, err := store.Read()
	assert.True(t, errors.Is(err, session.ErrNoState))
	assert.Empty(t, store.Load())

	_, ok := store.Get(session.KeyDeviceToken)
	assert.False(t, ok)
	assert.False(t, store.Credentials().HasToken())
}

func TestCorruptFileIsEmptyState(t *testing.T) {
	store := newStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o644))

	assert.Empty(t, store.Load())

	// The next write replaces the corrupt file.
	require.NoError(t, store.Set(session.KeyDeviceToken, "abc"))
	st, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, "abc", st[session.KeyDeviceToken])
}

func TestCorruptFileWarnsOncePerEpisode(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store, err := session.NewStore(t.TempDir(), logrus.NewEntry(logger))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o644))

	for i := 0; i < 3; i++ {
		store.Load()
		store.Credentials()
	}
	assert.Len(t, hook.AllEntries(), 1)

	require.NoError(t, store.Set(session.KeyDeviceToken, "abc"))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o644))
	store.Load()
	assert.Len(t, hook.AllEntries(), 2)
}

func TestSetNilRemovesKey(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set(session.KeyCredential, "jwt-1"))
	require.NoError(t, store.Set(session.KeyCredential, nil))

	_, ok := store.Get(session.KeyCredential)
	assert.False(t, ok)
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("a", "1"))

	boom := errors.New("boom")
	err := store.Update(func(st session.State) error {
		st["a"] = "2"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.Get("a")
	assert.Equal(t, "1", got)
}

func TestCredentialsDecode(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Update(func(st session.State) error {
		st[session.KeyDeviceToken] = "0123abcd"
		st[session.KeyCredential] = "JWT xyz"
		st[session.KeyUser] = map[string]any{"email": "dev@example.com"}
		st[session.KeyLastAuthCheck] = int64(1700000000)
		return nil
	}))

	creds := store.Credentials()
	assert.Equal(t, "0123abcd", creds.DeviceToken)
	assert.Equal(t, "JWT xyz", creds.SessionCredential)
	assert.Equal(t, int64(1700000000), creds.LastAuthCheck)
	assert.True(t, creds.HasCredential())
	assert.Equal(t, map[string]any{"email": "dev@example.com"}, creds.User)
}

func TestCredentialsAcceptNumericString(t *testing.T) {
	store := newStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"token":"t","lastAuthCheck":"1700000123"}`), 0o644))

	creds := store.Credentials()
	assert.Equal(t, "t", creds.DeviceToken)
	assert.Equal(t, int64(1700000123), creds.LastAuthCheck)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("count", 0))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(func(st session.State) error {
				n, _ := st["count"].(float64)
				st["count"] = n + 1
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := store.Get("count")
	assert.Equal(t, float64(20), got)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("a", "b"))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(store.Path()), "session-*.json.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
