// Package logger provides a leveled, thread-safe logging facility backed by zap.
//
// The logger supports four levels: Debug, Info, Warn, and Error.
// Each log entry includes a timestamp, level, optional tag (usually a server
// address or a component name such as "mcsoda"), and message.
//
// # Basic Usage
//
// Using the default logger:
//
//	logger.Info("", "Harness started")
//	logger.Info("10.0.0.1", "Waiting for ep_queue_size to drain")
//	logger.Error("rebalance", "Failed: %v", err)
//
// Creating a custom logger:
//
//	l := logger.New(os.Stderr, logger.LevelDebug)
//	l.Debug("mcsoda", "cfg: %+v", cfg)
//
// # Log Levels
//
// Messages below the configured level are filtered:
//   - LevelDebug: all messages
//   - LevelInfo: Info, Warn, Error
//   - LevelWarn: Warn, Error
//   - LevelError: Error only
//
// # Thread Safety
//
// The level is held in a zap.AtomicLevel and writes to the underlying
// io.Writer are serialized, so a Logger is safe for concurrent use.
package logger
