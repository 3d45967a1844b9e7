//go:build !integration

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/icp-miner/internal/audit"
	"github.com/sells-group/icp-miner/internal/config"
	"github.com/sells-group/icp-miner/internal/identity"
	"github.com/sells-group/icp-miner/internal/mining"
	"github.com/sells-group/icp-miner/internal/store"
)

func minerConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "miner.db")},
		Mining: config.MiningConfig{
			PageSize:        25,
			TargetMatches:   50,
			MaxPages:        10,
			PoolWindow:      50,
			SiteConcurrency: 2,
		},
		Provider: config.ProviderConfig{
			BaseURL:                 "http://127.0.0.1:1",
			Key:                     "test-key",
			TimeoutSecs:             1,
			RetryMaxAttempts:        1,
			CircuitFailureThreshold: 5,
			CircuitResetSecs:        30,
		},
		Audit: config.AuditConfig{Enabled: true},
	}
}

func TestInitMiner_SQLite(t *testing.T) {
	cfg = minerConfig(t)

	env, err := initMiner(context.Background(), "mine")
	require.NoError(t, err)
	defer env.Close()

	assert.IsType(t, &store.SQLiteStore{}, env.Store)
	assert.IsType(t, &audit.ZapLogger{}, env.Audit)
	assert.IsType(t, &identity.SQLResolver{}, env.Resolver)
	assert.NotNil(t, env.Search)
	require.NotNil(t, env.Dispatcher)
}

func TestInitMiner_AuditDisabled(t *testing.T) {
	cfg = minerConfig(t)
	cfg.Audit.Enabled = false

	env, err := initMiner(context.Background(), "mine")
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, audit.Nop{}, env.Audit)
}

func TestInitMiner_RedisWrapsResolver(t *testing.T) {
	cfg = minerConfig(t)
	cfg.Redis = config.RedisConfig{Addr: "127.0.0.1:0", OwnerTTLMinutes: 5}

	env, err := initMiner(context.Background(), "mine")
	require.NoError(t, err)
	defer env.Close()

	assert.IsType(t, &identity.CachedResolver{}, env.Resolver)
}

func TestInitMiner_ValidationFails(t *testing.T) {
	cfg = minerConfig(t)
	cfg.Provider.Key = ""

	_, err := initMiner(context.Background(), "mine")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.key is required")
}

// An idle pool dispatches without touching the provider.
func TestInitMiner_IdleDispatch(t *testing.T) {
	cfg = minerConfig(t)

	env, err := initMiner(context.Background(), "mine")
	require.NoError(t, err)
	defer env.Close()

	res, err := env.Dispatcher.Dispatch(context.Background(), mining.Request{
		Target:  mining.PoolTarget{SiteID: "site-empty"},
		Options: baseOptions(),
	})
	require.NoError(t, err)
	assert.Equal(t, mining.OutcomeIdle, res.Outcome)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestMinerEnv_CloseRunsInReverse(t *testing.T) {
	var order []int
	env := &minerEnv{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return assert.AnError },
		func() error { order = append(order, 3); return nil },
	}}
	env.Close()
	assert.Equal(t, []int{3, 2, 1}, order)
}
