package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/pool"
	"github.com/kiroproxy/kiroproxy/internal/store"
)

func TestConfigReloadOnWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("required-api-key: secret\nport: 8080\n"), 0o600))

	st, err := store.OpenJSONStore(filepath.Join(dir, "account_pool.json"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	p, err := pool.New(st, nil, 3)
	require.NoError(t, err)

	var mu sync.Mutex
	var got *config.Config
	w, err := NewWatcher(configPath, "", p, func(cfg *config.Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(configPath, []byte("required-api-key: secret\nport: 9090\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Port == 9090
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInvalidConfigKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("required-api-key: secret\n"), 0o600))

	st, err := store.OpenJSONStore(filepath.Join(dir, "account_pool.json"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	p, err := pool.New(st, nil, 3)
	require.NoError(t, err)

	calls := 0
	var mu sync.Mutex
	w, err := NewWatcher(configPath, "", p, func(*config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// A config that fails validation must not reach the callback.
	require.NoError(t, os.WriteFile(configPath, []byte("port: not-a-number\n"), 0o600))
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()

	// A good write afterwards still works.
	require.NoError(t, os.WriteFile(configPath, []byte("required-api-key: secret\nport: 7070\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 3*time.Second, 20*time.Millisecond)
}
