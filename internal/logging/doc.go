// Package logging provides structured logging for wardend on top of Zap.
//
// The package wraps *zap.Logger with context-aware methods that attach
// correlation fields (log source, issue id, request id) pulled from the
// context, a custom Trace level below Debug for wire-level detail, and
// level-aware sampling so a noisy game server cannot drown the engine's
// own diagnostics.
//
// Typical use:
//
//	cfg := logging.NewDefaultConfig()
//	cfg.Level = zapcore.DebugLevel
//	logger, err := logging.NewLogger(cfg)
//	if err != nil { ... }
//	defer logger.Sync()
//
//	ctx = logging.WithSource(ctx, "game-server")
//	logger.Info(ctx, "line ingested", zap.Int("bytes", n))
//
// The engine's own diagnostic output is tagged with the "wardend"
// service field so the ingestor's noise filter can identify and skip it
// when wardend happens to watch its own log file.
package logging
