package ingest

import (
	"time"
)

// Event is one structured, normalized log line.
//
// Events are what the detector consumes. Raw lines that cannot be
// structured are dropped by the ingestor and never become events.
type Event struct {
	// Source is the named log source the line came from.
	Source string `json:"source"`

	// Subsystem is the classified origin inside the game service
	// (e.g. "table", "lobby", "persistence").
	Subsystem string `json:"subsystem"`

	// Level is the normalized severity token from the line
	// (ERROR, WARN, INFO, DEBUG) or empty when absent.
	Level string `json:"level"`

	// Kind names the extractor that structured the line, or "relaxed"
	// when only the fallback key=value scan succeeded.
	Kind string `json:"kind"`

	// Message is the free-text remainder after structured parts.
	Message string `json:"message"`

	// Fields holds extracted string values (identifiers, error codes).
	Fields map[string]string `json:"fields,omitempty"`

	// Numbers holds extracted numeric payloads (timings, amounts).
	Numbers map[string]float64 `json:"numbers,omitempty"`

	// Raw is the original line, possibly truncated.
	Raw string `json:"raw"`

	// Timestamp is when the line was ingested.
	Timestamp time.Time `json:"timestamp"`
}

// Field returns a named string field, falling back to "".
func (e *Event) Field(name string) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

// Number returns a named numeric field and whether it was present.
func (e *Event) Number(name string) (float64, bool) {
	if e.Numbers == nil {
		return 0, false
	}
	v, ok := e.Numbers[name]
	return v, ok
}
