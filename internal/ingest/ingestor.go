// Package ingest normalizes raw log lines into structured events.
//
// One Ingestor serves all sources: it classifies lines by subsystem
// prefix, extracts structured fields through a registered extractor
// set with a relaxed fallback, and skips noise. Read offsets are
// checkpointed per source through the state store so a restart resumes
// where it left off instead of reprocessing the whole backlog.
package ingest

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventHandler consumes structured events, typically the detector.
type EventHandler func(ctx context.Context, ev *Event)

// ownDiagnosticMarker identifies wardend's own log output so the engine
// never feeds on its own diagnostics.
const ownDiagnosticMarker = `"service":"wardend"`

var levelTokens = map[string]string{
	"ERROR": "ERROR", "ERR": "ERROR", "FATAL": "ERROR",
	"WARN": "WARN", "WARNING": "WARN",
	"INFO": "INFO",
	"DEBUG": "DEBUG", "TRACE": "DEBUG",
}

// subsystemPattern matches a leading "[name]" subsystem tag.
var subsystemPattern = regexp.MustCompile(`^\[([A-Za-z][A-Za-z0-9_-]*)\]\s*`)

// Config holds ingestor configuration.
type Config struct {
	// NoisePatterns are regexps for lines skipped entirely.
	NoisePatterns []string

	// MaxLineLength truncates longer lines before parsing.
	MaxLineLength int
}

// Ingestor classifies and structures raw log lines.
type Ingestor struct {
	logger     *zap.Logger
	extractors []*Extractor
	noise      []*regexp.Regexp
	maxLine    int
	metrics    *ingestMetrics

	mu sync.RWMutex
}

// New creates an ingestor with the default extractor set.
func New(cfg Config, logger *zap.Logger) (*Ingestor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	noise := make([]*regexp.Regexp, 0, len(cfg.NoisePatterns))
	for _, p := range cfg.NoisePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		noise = append(noise, re)
	}

	maxLine := cfg.MaxLineLength
	if maxLine <= 0 {
		maxLine = 64 * 1024
	}

	return &Ingestor{
		logger:     logger,
		extractors: DefaultExtractors(),
		noise:      noise,
		maxLine:    maxLine,
		metrics:    newIngestMetrics(logger),
	}, nil
}

// RegisterExtractor appends an extractor to the strict set.
func (in *Ingestor) RegisterExtractor(x *Extractor) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.extractors = append(in.extractors, x)
}

// Ingest normalizes one raw line from the named source.
//
// Returns nil for empty lines, noise, and lines that still have no
// structure after the relaxed re-parse. Malformed input is never an
// error; it is counted and dropped.
func (in *Ingestor) Ingest(ctx context.Context, source, rawLine string) *Event {
	line := strings.TrimRight(rawLine, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if len(line) > in.maxLine {
		line = line[:in.maxLine]
	}

	if in.isNoise(line) {
		in.metrics.recordSkipped(source, "noise")
		return nil
	}

	ev := &Event{
		Source:    source,
		Raw:       line,
		Timestamp: time.Now(),
	}

	rest := line

	// Leading "[subsystem]" tag
	if m := subsystemPattern.FindStringSubmatch(rest); m != nil {
		ev.Subsystem = strings.ToLower(m[1])
		rest = rest[len(m[0]):]
	}

	// Leading level token
	if tok, remainder, ok := splitToken(rest); ok {
		if level, known := levelTokens[strings.ToUpper(tok)]; known {
			ev.Level = level
			rest = remainder
		}
	}

	if ev.Subsystem == "" {
		ev.Subsystem = source
	}

	// Strict extractors first, then the single relaxed retry.
	matched := false
	in.mu.RLock()
	extractors := in.extractors
	in.mu.RUnlock()
	for _, x := range extractors {
		if x.Apply(rest, ev) {
			matched = true
			break
		}
	}
	if matched {
		mergeKV(rest, ev)
	} else if !relaxedExtract(rest, ev) {
		// No level and no structure at all: drop as malformed.
		if ev.Level == "" {
			in.metrics.recordSkipped(source, "malformed")
			in.logger.Debug("dropping unstructured line",
				zap.String("source", source),
				zap.String("line", line))
			return nil
		}
		ev.Kind = "plain"
		ev.Message = strings.TrimSpace(rest)
	}

	in.metrics.recordIngested(source, ev.Kind)
	return ev
}

func (in *Ingestor) isNoise(line string) bool {
	if strings.Contains(line, ownDiagnosticMarker) {
		return true
	}
	for _, re := range in.noise {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// splitToken splits the first whitespace-delimited token off a line.
func splitToken(s string) (token, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return "", "", false
	}
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, "", true
	}
	return s[:idx], strings.TrimLeft(s[idx:], " \t"), true
}
