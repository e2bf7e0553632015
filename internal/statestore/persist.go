package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SchemaVersion is the persisted document schema version. Bump on
// incompatible layout changes; Load migrates older versions forward.
const SchemaVersion = 1

// Section is implemented by components that persist their tables inside
// the state document (the fix knowledge base stores its patterns and
// misdiagnosis ledger this way, so one file holds the whole engine).
type Section interface {
	// MarshalSection serializes the section's tables.
	MarshalSection() ([]byte, error)

	// RestoreSection loads previously persisted tables. Called once at
	// startup, before any writes.
	RestoreSection(data []byte) error
}

// document is the on-disk layout of the persisted state.
type document struct {
	SchemaVersion int                        `json:"schema_version"`
	SavedAt       time.Time                  `json:"saved_at"`
	Entries       map[string]*Entry          `json:"entries"`
	Sections      map[string]json.RawMessage `json:"sections,omitempty"`
}

// RegisterSection attaches a named section to the persisted document.
// Must be called before Load.
func (s *Store) RegisterSection(name string, section Section) {
	s.sectionMu.Lock()
	defer s.sectionMu.Unlock()
	s.sections[name] = section
}

// Persist writes the full state document to path atomically.
//
// The document goes to a temp file in the same directory first and is
// renamed into place, so a crash mid-write can never leave a torn file:
// the previous consistent snapshot survives.
func (s *Store) Persist(path string) error {
	if path == "" {
		return nil
	}
	start := time.Now()

	doc := document{
		SchemaVersion: SchemaVersion,
		SavedAt:       start,
		Entries:       make(map[string]*Entry),
		Sections:      make(map[string]json.RawMessage),
	}
	for p, e := range s.Snapshot() {
		entry := e
		doc.Entries[p] = &entry
	}

	s.sectionMu.Lock()
	for name, section := range s.sections {
		raw, err := section.MarshalSection()
		if err != nil {
			s.sectionMu.Unlock()
			s.metrics.recordPersistError()
			return fmt.Errorf("marshaling section %q: %w", name, err)
		}
		doc.Sections[name] = raw
	}
	s.sectionMu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.metrics.recordPersistError()
		return fmt.Errorf("marshaling state document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		s.metrics.recordPersistError()
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		s.metrics.recordPersistError()
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.metrics.recordPersistError()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.metrics.recordPersistError()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.metrics.recordPersistError()
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		s.metrics.recordPersistError()
		return fmt.Errorf("renaming state document: %w", err)
	}

	s.metrics.recordPersist(time.Since(start).Seconds())
	s.logger.Debug("state persisted",
		zap.String("path", path),
		zap.Int("entries", len(doc.Entries)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Load reads a persisted state document into the store.
//
// Startup never blocks on a bad file: an unreadable or schema-invalid
// document is backed up next to the original and the store starts
// empty. Only filesystem errors while backing up are returned.
func (s *Store) Load(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return s.quarantine(path, fmt.Errorf("reading state document: %w", err))
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return s.quarantine(path, fmt.Errorf("parsing state document: %w", err))
	}
	if doc.SchemaVersion < 1 || doc.SchemaVersion > SchemaVersion {
		return s.quarantine(path, fmt.Errorf("unsupported schema version %d", doc.SchemaVersion))
	}
	if doc.Entries == nil {
		return s.quarantine(path, fmt.Errorf("state document missing entries table"))
	}

	for p, e := range doc.Entries {
		if e == nil || ValidatePath(p) != nil {
			continue
		}
		slot := s.slot(p)
		slot.writeMu.Lock()
		entry := *e
		entry.Path = p
		slot.cur.Store(&entry)
		slot.writeMu.Unlock()
	}

	s.sectionMu.Lock()
	defer s.sectionMu.Unlock()
	for name, section := range s.sections {
		raw, ok := doc.Sections[name]
		if !ok {
			continue
		}
		if err := section.RestoreSection(raw); err != nil {
			s.logger.Warn("failed to restore section, starting empty",
				zap.String("section", name),
				zap.Error(err))
		}
	}

	s.logger.Info("state loaded",
		zap.String("path", path),
		zap.Int("entries", len(doc.Entries)),
		zap.Int("schema_version", doc.SchemaVersion))
	return nil
}

// quarantine backs up a corrupt state document and leaves the store
// empty. The corruption itself is logged and counted, not returned.
func (s *Store) quarantine(path string, cause error) error {
	s.metrics.recordCorruptLoad()
	backup := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405"))
	s.logger.Error("state document corrupt, backing up and starting empty",
		zap.String("path", path),
		zap.String("backup", backup),
		zap.Error(cause))

	if err := os.Rename(path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backing up corrupt state document: %w", err)
	}
	return nil
}

// Run persists the store on a fixed interval until ctx is done, then
// performs a final flush. Persistence failures are logged and retried
// on the next tick; they are never fatal.
func (s *Store) Run(ctx context.Context, path string, interval time.Duration) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Persist(path); err != nil {
				s.logger.Warn("periodic persist failed", zap.Error(err))
			}
		case <-ctx.Done():
			if err := s.Persist(path); err != nil {
				s.logger.Warn("final persist failed", zap.Error(err))
			}
			return
		}
	}
}
