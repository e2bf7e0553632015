package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New(64, nil)
	_, err := s.Set("game.table.42.pot", float64(1000))
	require.NoError(t, err)
	_, err = s.Set("system.uptime", "4h")
	require.NoError(t, err)
	require.NoError(t, s.Persist(path))

	loaded := New(64, nil)
	require.NoError(t, loaded.Load(path))

	entry, ok := loaded.Get("game.table.42.pot")
	require.True(t, ok)
	assert.Equal(t, float64(1000), entry.Value)
	assert.Equal(t, uint64(1), entry.Version)

	// Versions continue from the persisted counter.
	v, err := loaded.Set("game.table.42.pot", float64(950))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestLoad_MissingFile(t *testing.T) {
	s := New(64, nil)
	require.NoError(t, s.Load(filepath.Join(t.TempDir(), "does-not-exist.json")))
	assert.Equal(t, 0, s.Len())
}

// A crash after the temp file is written but before the rename must
// leave the prior consistent document intact: reload sees the old
// snapshot and the leftover temp file is ignored.
func TestPersist_CrashMidWriteKeepsPriorSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New(64, nil)
	_, err := s.Set("game.pot", float64(1000))
	require.NoError(t, err)
	require.NoError(t, s.Persist(path))

	// Simulate the crash: a newer document reached the temp file but
	// was never renamed into place.
	_, err = s.Set("game.pot", float64(950))
	require.NoError(t, err)
	stale, err := os.CreateTemp(dir, ".state-*.tmp")
	require.NoError(t, err)
	_, err = stale.WriteString(`{"schema_version":1,"entries":{`)
	require.NoError(t, err)
	require.NoError(t, stale.Close())

	loaded := New(64, nil)
	require.NoError(t, loaded.Load(path))

	entry, ok := loaded.Get("game.pot")
	require.True(t, ok)
	assert.Equal(t, float64(1000), entry.Value, "prior consistent snapshot must survive")
}

func TestLoad_CorruptFileBackedUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s := New(64, nil)
	require.NoError(t, s.Load(path))
	assert.Equal(t, 0, s.Len(), "store starts empty after corruption")

	// Original file was moved aside, not deleted.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestLoad_UnsupportedSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":99,"entries":{}}`), 0600))

	s := New(64, nil)
	require.NoError(t, s.Load(path))
	assert.Equal(t, 0, s.Len())

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

type fakeSection struct {
	data     map[string]int
	restored bool
}

func (f *fakeSection) MarshalSection() ([]byte, error) {
	return json.Marshal(f.data)
}

func (f *fakeSection) RestoreSection(data []byte) error {
	f.restored = true
	return json.Unmarshal(data, &f.data)
}

func TestPersist_Sections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New(64, nil)
	s.RegisterSection("learning", &fakeSection{data: map[string]int{"pot_mismatch/reset_pot": 3}})
	require.NoError(t, s.Persist(path))

	restoredSection := &fakeSection{}
	loaded := New(64, nil)
	loaded.RegisterSection("learning", restoredSection)
	require.NoError(t, loaded.Load(path))

	assert.True(t, restoredSection.restored)
	assert.Equal(t, 3, restoredSection.data["pot_mismatch/reset_pot"])
}

func TestPersist_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New(64, nil)
	_, err := s.Set("game.a", 1)
	require.NoError(t, err)

	require.NoError(t, s.Persist(path))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Persist(path))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	var d1, d2 document
	require.NoError(t, json.Unmarshal(first, &d1))
	require.NoError(t, json.Unmarshal(second, &d2))
	assert.Equal(t, d1.Entries, d2.Entries)

	// No stray temp files left behind.
	matches, err := filepath.Glob(filepath.Join(dir, ".state-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
