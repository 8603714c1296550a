/*
Package log provides structured logging for recordd using zerolog.

The log package wraps zerolog to give every component in internal/ a
component-tagged, leveled logger with minimal overhead. Initialize once via
Init, then derive child loggers with WithComponent, WithRecord, or
WithCorrelation as needed.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	l := log.WithComponent("transition")
	l.Warn().Str("record", name).Int64("version", v).Msg("version exists")
*/
package log
