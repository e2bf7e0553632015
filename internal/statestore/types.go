package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for state store operations.
var (
	ErrEmptyPath   = errors.New("path cannot be empty")
	ErrInvalidPath = errors.New("path must be dot-delimited with non-empty segments")
)

// Entry is one versioned value in the store.
//
// A path's version strictly increases on every write. Entries are
// immutable once committed; a write replaces the whole entry.
type Entry struct {
	// Path is the dot-delimited key (e.g. "game.table.42.pot").
	Path string `json:"path"`

	// Value is an arbitrary structured value.
	Value interface{} `json:"value"`

	// Version is the monotonic per-path write counter.
	Version uint64 `json:"version"`

	// UpdatedAt is when this version was committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeRecord describes one committed write.
//
// Digests rather than full payloads keep the in-memory history and the
// persisted document bounded regardless of value size.
type ChangeRecord struct {
	Path      string    `json:"path"`
	Version   uint64    `json:"version"`
	OldDigest string    `json:"old_digest"`
	NewDigest string    `json:"new_digest"`
	Timestamp time.Time `json:"timestamp"`

	// CausedByIssueID links the write to the issue whose remediation
	// produced it, when known.
	CausedByIssueID string `json:"caused_by_issue_id,omitempty"`
}

// AbsentDigest marks the old-value side of a first write.
const AbsentDigest = "absent"

// Digest computes a short stable content digest of a value.
func Digest(value interface{}) string {
	raw, err := json.Marshal(value)
	if err != nil {
		// Unmarshalable values still get a stable-ish digest from
		// their formatted representation.
		raw = []byte(fmt.Sprintf("%#v", value))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// ValidatePath checks a store path for structural validity.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}
