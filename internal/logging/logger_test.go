package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithSource(context.Background(), "game-server")
	ctx = WithIssueID(ctx, "a1b2c3")
	tl.Info(ctx, "issue updated", zap.Int("occurrences", 2))

	tl.AssertLogged(t, zapcore.InfoLevel, "issue updated")
	tl.AssertField(t, "issue updated", "log.source", "game-server")
	tl.AssertField(t, "issue updated", "issue.id", "a1b2c3")
}

func TestLogger_TraceLevelFiltered(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.InfoLevel
	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	assert.False(t, logger.Enabled(TraceLevel))
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
}

func TestLogger_Named(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("detector")
	child.Info(context.Background(), "strategy ran")

	entries := tl.FilterMessage("strategy ran").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "detector", entries[0].LoggerName)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromContext_Default(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}

func TestWithSource_Invalid(t *testing.T) {
	assert.Panics(t, func() { WithSource(context.Background(), "") })
	assert.Panics(t, func() { WithSource(context.Background(), "has spaces") })
}
