package pool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroproxy/kiroproxy/internal/client"
	"github.com/kiroproxy/kiroproxy/internal/store"
)

func newTestPool(t *testing.T, accounts ...store.Account) (*Pool, store.Store) {
	t.Helper()
	st, err := store.OpenJSONStore(filepath.Join(t.TempDir(), "account_pool.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	for _, acc := range accounts {
		require.NoError(t, st.Upsert(acc))
	}
	p, err := New(st, nil, 3)
	require.NoError(t, err)
	return p, st
}

func healthyAccount(id string) store.Account {
	return store.Account{ID: id, Credentials: id + ".json", Healthy: true}
}

func TestSelectRoundRobin(t *testing.T) {
	p, st := newTestPool(t, healthyAccount("x"), healthyAccount("y"))

	var got []string
	for i := 0; i < 4; i++ {
		acc, err := p.Select("claude-sonnet-4-20250514", SelectOptions{})
		require.NoError(t, err)
		got = append(got, acc.ID)
	}
	assert.Equal(t, []string{"x", "y", "x", "y"}, got)

	accounts, err := st.LoadAll()
	require.NoError(t, err)
	for _, acc := range accounts {
		assert.Equal(t, int64(2), acc.UsageCount)
		assert.False(t, acc.LastUsed.IsZero())
	}
}

func TestSelectSkipUsageCount(t *testing.T) {
	p, st := newTestPool(t, healthyAccount("x"))

	_, err := p.Select("", SelectOptions{SkipUsageCount: true})
	require.NoError(t, err)

	accounts, _ := st.LoadAll()
	assert.Equal(t, int64(0), accounts[0].UsageCount)
	assert.True(t, accounts[0].LastUsed.IsZero())
}

func TestSelectFilters(t *testing.T) {
	unhealthy := healthyAccount("sick")
	unhealthy.Healthy = false
	disabled := healthyAccount("off")
	disabled.Disabled = true
	limited := healthyAccount("limited")
	limited.NotSupportedModels = []string{"claude-sonnet-4-20250514"}

	p, _ := newTestPool(t, unhealthy, disabled, limited, healthyAccount("ok"))

	acc, err := p.Select("claude-sonnet-4-20250514", SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", acc.ID)

	// The limited account is still eligible for other models.
	acc, err = p.Select("claude-haiku-4", SelectOptions{})
	require.NoError(t, err)
	assert.Contains(t, []string{"limited", "ok"}, acc.ID)
}

func TestSelectNoAccounts(t *testing.T) {
	p, _ := newTestPool(t)
	_, err := p.Select("", SelectOptions{})
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestCursorsPerModelFilter(t *testing.T) {
	limited := healthyAccount("a")
	limited.NotSupportedModels = []string{"amazonq-pro"}
	p, _ := newTestPool(t, limited, healthyAccount("b"))

	acc, err := p.Select("claude-sonnet-4-20250514", SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", acc.ID)

	// A different model filter starts its own rotation.
	acc, err = p.Select("amazonq-pro", SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", acc.ID)

	acc, err = p.Select("claude-sonnet-4-20250514", SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", acc.ID)
}

func TestMarkUnhealthyClassification(t *testing.T) {
	p, _ := newTestPool(t, healthyAccount("a"))

	// Retryable: no state change beyond the noted message.
	p.MarkUnhealthy("a", &client.StatusError{Code: 429, Message: "Too Many Requests"})
	acc, _ := p.Get("a")
	assert.True(t, acc.Healthy)
	assert.Equal(t, 0, acc.ErrorCount)
	assert.Equal(t, "upstream status 429: Too Many Requests", p.LastRetryableError("a"))

	// Client-request errors leave the account alone.
	p.MarkUnhealthy("a", &client.StatusError{Code: 400, Message: "bad shape"})
	acc, _ = p.Get("a")
	assert.True(t, acc.Healthy)

	// Counted errors accumulate and trip at the limit.
	for i := 0; i < 3; i++ {
		p.MarkUnhealthy("a", &client.StatusError{Code: 418, Message: "odd"})
	}
	acc, _ = p.Get("a")
	assert.False(t, acc.Healthy)
	assert.Equal(t, 3, acc.ErrorCount)
	assert.NotEmpty(t, acc.LastErrorMessage)
}

func TestMarkUnhealthyFatalImmediate(t *testing.T) {
	p, _ := newTestPool(t, healthyAccount("a"))
	p.MarkUnhealthy("a", &client.StatusError{Code: 403, Message: "account suspended"})
	acc, _ := p.Get("a")
	assert.False(t, acc.Healthy)
	assert.Equal(t, 0, acc.ErrorCount)
}

func TestMarkHealthyResets(t *testing.T) {
	p, st := newTestPool(t, healthyAccount("a"))
	for i := 0; i < 2; i++ {
		p.MarkUnhealthy("a", errors.New("strange failure"))
	}
	_, err := p.Select("", SelectOptions{})
	require.NoError(t, err)

	require.NoError(t, p.MarkHealthy("a", MarkHealthyOptions{
		ResetUsageCount:  true,
		HealthCheckModel: "claude-sonnet-4-20250514",
		UserInfo:         &UserInfo{Email: "a@example.com", UserID: "u-1"},
	}))

	acc, _ := p.Get("a")
	assert.True(t, acc.Healthy)
	assert.Equal(t, 0, acc.ErrorCount)
	assert.Equal(t, int64(0), acc.UsageCount)
	assert.Equal(t, "a@example.com", acc.CachedEmail)
	assert.Equal(t, "u-1", acc.CachedUserID)
	assert.Equal(t, "claude-sonnet-4-20250514", acc.LastHealthCheckModel)

	accounts, _ := st.LoadAll()
	assert.Equal(t, "u-1", accounts[0].CachedUserID)
}

type fakeProber struct {
	fail map[string]error
	info map[string]*UserInfo
}

func (f *fakeProber) Probe(_ context.Context, acc store.Account, _ string) (*UserInfo, error) {
	if err, ok := f.fail[acc.ID]; ok {
		return nil, err
	}
	return f.info[acc.ID], nil
}

func TestPerformHealthChecks(t *testing.T) {
	sick := healthyAccount("sick")
	off := healthyAccount("off")
	off.Disabled = true
	p, _ := newTestPool(t, healthyAccount("good"), sick, off)

	prober := &fakeProber{
		fail: map[string]error{"sick": &client.StatusError{Code: 403, Message: "forbidden"}},
		info: map[string]*UserInfo{"good": {Email: "g@example.com"}},
	}
	result := p.PerformHealthChecks(context.Background(), prober, HealthCheckOptions{Force: true})

	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Healthy)
	assert.Equal(t, 1, result.Unhealthy)

	good, _ := p.Get("good")
	assert.True(t, good.Healthy)
	assert.Equal(t, "g@example.com", good.CachedEmail)
	assert.False(t, good.LastHealthCheckTime.IsZero())

	bad, _ := p.Get("sick")
	assert.False(t, bad.Healthy)

	// Recently checked accounts are skipped without force.
	result = p.PerformHealthChecks(context.Background(), prober, HealthCheckOptions{})
	assert.Equal(t, 0, result.Checked)
}

func TestAddRemoveReload(t *testing.T) {
	p, st := newTestPool(t, healthyAccount("a"))
	require.NoError(t, p.Add(healthyAccount("b")))
	assert.Len(t, p.List(), 2)

	require.NoError(t, p.Remove("a"))
	assert.Len(t, p.List(), 1)
	_, ok := p.Get("a")
	assert.False(t, ok)

	require.NoError(t, st.Upsert(healthyAccount("c")))
	require.NoError(t, p.Reload())
	assert.Len(t, p.List(), 2)
}
