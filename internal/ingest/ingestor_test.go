package ingest

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngestor(t *testing.T) *Ingestor {
	t.Helper()
	in, err := New(Config{}, nil)
	require.NoError(t, err)
	return in
}

func TestIngest_TypedKVLine(t *testing.T) {
	in := newTestIngestor(t)

	ev := in.Ingest(context.Background(), "game-server",
		"ERROR pot_mismatch table=42 expected=1000 actual=950")
	require.NotNil(t, ev)

	assert.Equal(t, "game-server", ev.Source)
	assert.Equal(t, "ERROR", ev.Level)
	assert.Equal(t, "typed_kv", ev.Kind)
	assert.Equal(t, "pot_mismatch", ev.Field("type"))
	assert.Equal(t, "42", ev.Field("table"))

	expected, ok := ev.Number("expected")
	require.True(t, ok)
	assert.Equal(t, float64(1000), expected)
	actual, ok := ev.Number("actual")
	require.True(t, ok)
	assert.Equal(t, float64(950), actual)
}

func TestIngest_SubsystemPrefix(t *testing.T) {
	in := newTestIngestor(t)

	ev := in.Ingest(context.Background(), "game-server",
		"[Table] WARN slow_op op=save_table duration_ms=2344")
	require.NotNil(t, ev)

	assert.Equal(t, "table", ev.Subsystem)
	assert.Equal(t, "WARN", ev.Level)
	assert.Equal(t, "slow_op", ev.Field("type"))

	dur, ok := ev.Number("duration_ms")
	require.True(t, ok)
	assert.Equal(t, float64(2344), dur)
}

func TestIngest_SubsystemDefaultsToSource(t *testing.T) {
	in := newTestIngestor(t)

	ev := in.Ingest(context.Background(), "matchmaker", "ERROR queue stalled depth=812")
	require.NotNil(t, ev)
	assert.Equal(t, "matchmaker", ev.Subsystem)
}

func TestIngest_RelaxedFallback(t *testing.T) {
	in := newTestIngestor(t)

	// Not a typed_kv shape (free text before the pairs), so only the
	// relaxed key=value scan structures it.
	ev := in.Ingest(context.Background(), "game-server",
		"ERROR failed saving snapshot for table=7 retries=3")
	require.NotNil(t, ev)

	assert.Equal(t, "relaxed", ev.Kind)
	assert.Equal(t, "7", ev.Field("table"))
	assert.Contains(t, ev.Message, "failed saving snapshot")
}

func TestIngest_PlainLeveledLine(t *testing.T) {
	in := newTestIngestor(t)

	ev := in.Ingest(context.Background(), "game-server", "ERROR deck exhausted during deal")
	require.NotNil(t, ev)
	assert.Equal(t, "plain", ev.Kind)
	assert.Equal(t, "deck exhausted during deal", ev.Message)
}

func TestIngest_DropsUnstructured(t *testing.T) {
	in := newTestIngestor(t)

	assert.Nil(t, in.Ingest(context.Background(), "game-server", "hello there"))
	assert.Nil(t, in.Ingest(context.Background(), "game-server", ""))
	assert.Nil(t, in.Ingest(context.Background(), "game-server", "   \t  "))
}

func TestIngest_NoiseFilter(t *testing.T) {
	in, err := New(Config{NoisePatterns: []string{`^HEARTBEAT`}}, nil)
	require.NoError(t, err)

	assert.Nil(t, in.Ingest(context.Background(), "game-server", "HEARTBEAT seq=9912"))
	assert.NotNil(t, in.Ingest(context.Background(), "game-server", "ERROR seq=9912"))
}

func TestIngest_SkipsOwnDiagnostics(t *testing.T) {
	in := newTestIngestor(t)

	line := `{"level":"info","service":"wardend","msg":"issue updated","occurrences":2}`
	assert.Nil(t, in.Ingest(context.Background(), "game-server", line))
}

func TestIngest_InvalidNoisePattern(t *testing.T) {
	_, err := New(Config{NoisePatterns: []string{"("}}, nil)
	assert.Error(t, err)
}

func TestIngest_TruncatesLongLines(t *testing.T) {
	in, err := New(Config{MaxLineLength: 64}, nil)
	require.NoError(t, err)

	long := "ERROR overflow detail=" + strings.Repeat("x", 500)
	ev := in.Ingest(context.Background(), "game-server", long)
	require.NotNil(t, ev)
	assert.LessOrEqual(t, len(ev.Raw), 64)
}

func TestRegisterExtractor(t *testing.T) {
	in := newTestIngestor(t)
	in.RegisterExtractor(&Extractor{
		Name:    "player_event",
		Pattern: regexp.MustCompile(`^player (?P<player>\d+) (?P<message>.+)$`),
	})

	ev := in.Ingest(context.Background(), "game-server", "INFO player 99 folded out of turn")
	require.NotNil(t, ev)
	assert.Equal(t, "player_event", ev.Kind)
	assert.Equal(t, "99", ev.Field("player"))
	assert.Equal(t, "folded out of turn", ev.Message)
}

func TestReadLines(t *testing.T) {
	in := newTestIngestor(t)

	input := strings.Join([]string{
		"ERROR pot_mismatch table=1 expected=10 actual=9",
		"noise without structure",
		"WARN slow_op op=deal duration_ms=91",
	}, "\n")

	var events []*Event
	err := in.ReadLines(context.Background(), "pipe", strings.NewReader(input),
		func(_ context.Context, ev *Event) { events = append(events, ev) })
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "pot_mismatch", events[0].Field("type"))
	assert.Equal(t, "slow_op", events[1].Field("type"))
}
