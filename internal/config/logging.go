package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and is reserved for wire
// forensics: full VRM response bodies. The numeric value -8 keeps the
// same spacing slog uses between its own levels.
const LevelTrace = slog.Level(-8)

// logLevelNames maps accepted log_level spellings to their levels.
// "warning" is an accepted alias for "warn"; the empty string means
// info so an unset config field needs no special-casing.
var logLevelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel resolves a log_level string to its slog level. Matching
// is case-insensitive and ignores surrounding whitespace. Unknown names
// return an error alongside the info level, so callers may
// log-and-continue with the default.
func ParseLogLevel(s string) (slog.Level, error) {
	lvl, ok := logLevelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return lvl, nil
}

// EffectiveLogLevel resolves the slog level for this configuration.
// The debug flag forces [slog.LevelDebug] regardless of log_level,
// except that an explicit "trace" still wins since it is lower.
func (c *Config) EffectiveLogLevel() slog.Level {
	lvl, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		lvl = slog.LevelInfo
	}
	if c.Debug && lvl > slog.LevelDebug {
		return slog.LevelDebug
	}
	return lvl
}

// ReplaceLogLevelNames teaches slog handlers to print [LevelTrace] as
// "TRACE" instead of the "DEBUG-4" they would otherwise invent. Wire it
// into [slog.HandlerOptions.ReplaceAttr] when building a handler.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
