package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3010", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.MaxTransmissionDuration)
	assert.Equal(t, 3*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 65536, cfg.MaxChunkSizeBytes)
	assert.Equal(t, uint64(10), cfg.MaxSequenceLag)
	assert.Equal(t, 5*time.Second, cfg.ReplayWindow)
	assert.Equal(t, int64(4194304), cfg.ReplayMemCapBytes)
	assert.Equal(t, "drop_oldest", cfg.DropPolicy)
	assert.Equal(t, 5*time.Minute, cfg.PresenceTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.DehydrateIdle)
	assert.Equal(t, "sqlite", cfg.AuditDriver)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PTT_ADDR", ":9999")
	t.Setenv("PTT_MAX_TX_DURATION", "45s")
	t.Setenv("PTT_DROP_POLICY", "drop_newest")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 45*time.Second, cfg.MaxTransmissionDuration)
	assert.Equal(t, "drop_newest", cfg.DropPolicy)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]struct {
		key   string
		value string
	}{
		"bad drop policy":     {"PTT_DROP_POLICY", "drop_random"},
		"sweep too slow":      {"PTT_SWEEP_INTERVAL", "2s"},
		"zero connections":    {"PTT_MAX_CONNECTIONS", "0"},
		"bad log level":       {"LOG_LEVEL", "verbose"},
		"bad log format":      {"LOG_FORMAT", "xml"},
		"cpu threshold > 100": {"PTT_CPU_REJECT_THRESHOLD", "150"},
		"channels not json":   {"PTT_CHANNELS", "not-json"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load(nil)
			require.Error(t, err)
		})
	}
}

func TestChannelSeeds(t *testing.T) {
	t.Setenv("PTT_CHANNELS", `[{"id":"ops-1","name":"Ops 1","capacity":32},{"id":"ops-2","name":"Ops 2"}]`)

	cfg, err := Load(nil)
	require.NoError(t, err)

	seeds, err := cfg.Channels()
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, 32, seeds[0].Capacity)
	assert.Equal(t, 16, seeds[1].Capacity, "missing capacity takes the default")
}
