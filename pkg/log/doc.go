/*
Package log provides structured logging for Gale using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	walLog := log.WithComponent("wal")
	walLog.Info().Uint64("wal_id", id).Msg("rotated wal file")

	vnodeLog := log.WithVnodeID(21)
	vnodeLog.Error().Err(err).Msg("apply failed")

Storage components log under a fixed set of component names: wal,
family, flush, compaction, summary, raft, vnode, engine.

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at process start
  - Accessible from all packages without passing

Context Logger Pattern:
  - Create child loggers with context fields (component, vnode_id, table)
  - Automatically includes context in all logs

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across the codebase
*/
package log
