package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/wardend/internal/statestore"
	"go.uber.org/zap"
)

// offsetPathPrefix is where per-source read offsets live in the store.
const offsetPathPrefix = "ingest.offsets."

// pollFallback bounds how long the tailer waits for a watcher event
// before polling the file anyway. Covers filesystems where fsnotify
// is unreliable (network mounts).
const pollFallback = time.Second

// OffsetStore is the slice of the state store the tailer needs for
// checkpointing.
type OffsetStore interface {
	Get(path string) (statestore.Entry, bool)
	Set(path string, value interface{}) (uint64, error)
}

// TailConfig configures one file tailer.
type TailConfig struct {
	// Source is the logical source name; also keys the checkpoint.
	Source string

	// Path is the file to tail.
	Path string

	// FromStart reads from the beginning when no checkpoint exists.
	// Default is to start at the current end of file.
	FromStart bool

	// FlushInterval is how often the offset checkpoint is written.
	FlushInterval time.Duration
}

// Tailer follows one log file, feeding lines through the ingestor and
// checkpointing its read offset so restarts resume instead of
// reprocessing the backlog.
type Tailer struct {
	cfg      TailConfig
	ingestor *Ingestor
	offsets  OffsetStore
	handler  EventHandler
	logger   *zap.Logger

	offset int64
}

// NewTailer creates a tailer. The handler receives every structured
// event; it must not block for long (the detector defers over-budget
// work itself).
func NewTailer(cfg TailConfig, ingestor *Ingestor, offsets OffsetStore, handler EventHandler, logger *zap.Logger) (*Tailer, error) {
	if cfg.Source == "" {
		return nil, errors.New("tailer source cannot be empty")
	}
	if cfg.Path == "" {
		return nil, errors.New("tailer path cannot be empty")
	}
	if ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}
	if offsets == nil {
		return nil, errors.New("offset store cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tailer{
		cfg:      cfg,
		ingestor: ingestor,
		offsets:  offsets,
		handler:  handler,
		logger:   logger,
	}, nil
}

// Run tails the file until ctx is done. The final offset is flushed on
// exit. Read errors are logged and retried; Run only returns on
// cancellation.
func (t *Tailer) Run(ctx context.Context) {
	t.offset = t.loadOffset()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(t.cfg.Path); err != nil {
			t.logger.Debug("cannot watch file yet, will poll", zap.Error(err))
		}
	}

	flush := time.NewTicker(t.cfg.FlushInterval)
	defer flush.Stop()
	defer t.flushOffset()

	for {
		t.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			t.flushOffset()
		case <-watcherEvents(watcher):
		case <-time.After(pollFallback):
		}
	}
}

// drain reads and ingests everything available past the current offset.
func (t *Tailer) drain(ctx context.Context) {
	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}

	// Truncation or rotation: the file shrank below our checkpoint.
	if info.Size() < t.offset {
		t.logger.Info("log file truncated, restarting from beginning",
			zap.String("source", t.cfg.Source),
			zap.Int64("old_offset", t.offset),
			zap.Int64("size", info.Size()))
		t.offset = 0
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial final line stays unconsumed until the newline
			// arrives; the offset only advances past complete lines.
			return
		}
		t.offset += int64(len(line))

		if ev := t.ingestor.Ingest(ctx, t.cfg.Source, line); ev != nil {
			t.handler(ctx, ev)
		}
	}
}

// loadOffset reads the checkpointed offset, or picks the starting
// position for a source seen for the first time.
func (t *Tailer) loadOffset() int64 {
	entry, ok := t.offsets.Get(offsetPathPrefix + t.cfg.Source)
	if ok {
		switch v := entry.Value.(type) {
		case int64:
			return v
		case float64:
			// JSON round-trip turns numbers into float64.
			return int64(v)
		}
	}

	if t.cfg.FromStart {
		return 0
	}
	info, err := os.Stat(t.cfg.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (t *Tailer) flushOffset() {
	if _, err := t.offsets.Set(offsetPathPrefix+t.cfg.Source, t.offset); err != nil {
		t.logger.Warn("failed to checkpoint offset",
			zap.String("source", t.cfg.Source),
			zap.Error(err))
	}
}

// watcherEvents adapts a possibly-nil watcher to a receivable channel.
func watcherEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// ReadLines feeds newline-delimited text from r through the ingestor
// until EOF or cancellation. Used for pipe and network-fed sources
// where no file offset applies.
func (in *Ingestor) ReadLines(ctx context.Context, source string, r io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), in.maxLine+1)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if ev := in.Ingest(ctx, source, scanner.Text()); ev != nil {
			handler(ctx, ev)
		}
	}
	return scanner.Err()
}
