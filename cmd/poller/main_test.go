package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formrelay/internal/config"
	"formrelay/internal/ledger"
	"formrelay/internal/metrics"
)

func TestBuildMetrics_DefaultsToNop(t *testing.T) {
	cfg := &config.Config{}
	cfg.Metrics.Backend = "none"

	m, err := buildMetrics(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, metrics.NopMetrics{}, m)
}

func TestBuildLedgerStore_FileBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Ledger.Backend = "file"
	cfg.Ledger.Path = t.TempDir() + "/delivered.json"

	store, probes, cleanup, err := buildLedgerStore(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &ledger.FileStore{}, store)
	require.Len(t, probes, 2)
	assert.Equal(t, "forms", probes[0].Name())
	assert.Equal(t, "ledger", probes[1].Name())
	assert.NoError(t, probes[1].Check(context.Background()))
}

func TestNewLogger_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		assert.NotNil(t, newLogger(level), "level %q", level)
	}
}
