package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Store.PersistInterval.Duration())
	assert.Equal(t, 3.0, cfg.Detect.ZScoreThreshold)
	assert.Equal(t, 30, cfg.Detect.WarmupSamples)
	assert.Equal(t, "medium", cfg.Decision.ActivationSeverity)
	assert.Equal(t, "critical", cfg.Decision.EscalationSeverity)
	assert.Equal(t, "wardend", cfg.Observability.ServiceName)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = -1 },
			wantErr: "server.http_port",
		},
		{
			name:    "zero persist interval",
			mutate:  func(c *Config) { c.Store.PersistInterval = 0 },
			wantErr: "store.persist_interval",
		},
		{
			name:    "source without name",
			mutate:  func(c *Config) { c.Ingest.Sources = []SourceConfig{{Path: "/var/log/game.log"}} },
			wantErr: "name is required",
		},
		{
			name:    "source without path",
			mutate:  func(c *Config) { c.Ingest.Sources = []SourceConfig{{Name: "game"}} },
			wantErr: "path is required",
		},
		{
			name:    "warmup too small",
			mutate:  func(c *Config) { c.Detect.WarmupSamples = 1 },
			wantErr: "warmup_samples",
		},
		{
			name:    "unknown activation severity",
			mutate:  func(c *Config) { c.Decision.ActivationSeverity = "urgent" },
			wantErr: "activation_severity",
		},
		{
			name:    "zero escalation limit",
			mutate:  func(c *Config) { c.Decision.EscalationActiveLimit = -3 },
			wantErr: "escalation_active_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestDurationMarshalJSON(t *testing.T) {
	d := Duration(150 * time.Millisecond)
	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"150ms"`, string(out))
}
