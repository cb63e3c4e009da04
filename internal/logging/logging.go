// Package logging provides leveled, component-scoped logging for loom.
//
// Components obtain a named logger via GetLogger and log with printf-style
// methods or structured fields:
//
//	logger := logging.GetLogger("graph.store")
//	logger.Info("merged %d nodes", n)
//	logger.InfoWithFields("run finished",
//	    logging.Field("run_id", runID),
//	    logging.Field("documents", processed),
//	)
//
// The default level is set once via Initialize. Individual packages can be
// overridden ("graph.*" wildcard patterns are supported) which is useful for
// targeted debugging of one subsystem.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
	// FATAL level for fatal messages
	FATAL
)

// LogField represents a structured logging field
type LogField struct {
	Key   string
	Value interface{}
}

// Field creates a structured logging field
func Field(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value}
}

// Logger provides structured logging throughout the application.
// Logger values are immutable; WithField and friends return copies,
// so a Logger is safe to share across goroutines.
type Logger struct {
	level  LogLevel
	name   string
	fields map[string]interface{}
}

var (
	globalLevel = INFO
	initOnce    sync.Once

	packageLevels map[string]LogLevel
	packageMu     sync.RWMutex

	// exitFunc is called by Fatal; overridable for tests.
	exitFunc = os.Exit
)

// Initialize sets the default log level and optional per-package overrides.
// Override keys are package names ("graph.store") or wildcard patterns
// ("graph.*").
func Initialize(levelStr string, overrides ...map[string]string) error {
	level, err := parseLevel(levelStr)
	if err != nil {
		return err
	}
	globalLevel = level

	if len(overrides) > 0 && overrides[0] != nil {
		parsed := make(map[string]LogLevel, len(overrides[0]))
		for pkg, s := range overrides[0] {
			lvl, err := parseLevel(s)
			if err != nil {
				return fmt.Errorf("invalid log level for package %q: %w", pkg, err)
			}
			parsed[pkg] = lvl
		}
		packageMu.Lock()
		packageLevels = parsed
		packageMu.Unlock()
	}
	return nil
}

// GetLogger returns a logger scoped to the given component name.
func GetLogger(name string) *Logger {
	initOnce.Do(func() {})
	return &Logger{
		level:  globalLevel,
		name:   name,
		fields: make(map[string]interface{}),
	}
}

// WithName returns a new logger with a different component name.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{level: l.level, name: name, fields: cloneFields(l.fields)}
}

// WithField returns a new logger carrying an additional persistent field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	nl := &Logger{level: l.level, name: l.name, fields: cloneFields(l.fields)}
	nl.fields[key] = value
	return nl
}

// WithFields returns a new logger carrying additional persistent fields.
func (l *Logger) WithFields(fields ...LogField) *Logger {
	nl := &Logger{level: l.level, name: l.name, fields: cloneFields(l.fields)}
	for _, f := range fields {
		nl.fields[f.Key] = f.Value
	}
	return nl
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.logf("DEBUG", msg, args...)
	}
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	if l.shouldLog(INFO) {
		l.logf("INFO", msg, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l.shouldLog(WARN) {
		l.logf("WARN", msg, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	if l.shouldLog(ERROR) {
		l.logf("ERROR", msg, args...)
	}
}

// ErrorWithErr logs an error message with an error object
func (l *Logger) ErrorWithErr(msg string, err error, args ...interface{}) {
	if l.shouldLog(ERROR) {
		args = append(args, err)
		l.logf("ERROR", msg+" - %v", args...)
	}
}

// Fatal logs a fatal message and exits the program with code 1
func (l *Logger) Fatal(msg string, args ...interface{}) {
	if l.shouldLog(FATAL) {
		l.logf("FATAL", msg, args...)
		exitFunc(1)
	}
}

// DebugWithFields logs a debug message with structured fields
func (l *Logger) DebugWithFields(msg string, fields ...LogField) {
	if l.shouldLog(DEBUG) {
		l.logWithFields("DEBUG", msg, fields...)
	}
}

// InfoWithFields logs an info message with structured fields
func (l *Logger) InfoWithFields(msg string, fields ...LogField) {
	if l.shouldLog(INFO) {
		l.logWithFields("INFO", msg, fields...)
	}
}

// WarnWithFields logs a warning message with structured fields
func (l *Logger) WarnWithFields(msg string, fields ...LogField) {
	if l.shouldLog(WARN) {
		l.logWithFields("WARN", msg, fields...)
	}
}

// ErrorWithFields logs an error message with structured fields
func (l *Logger) ErrorWithFields(msg string, fields ...LogField) {
	if l.shouldLog(ERROR) {
		l.logWithFields("ERROR", msg, fields...)
	}
}

func (l *Logger) shouldLog(level LogLevel) bool {
	if pkgLevel, ok := lookupPackageLevel(l.name); ok {
		return level >= pkgLevel
	}
	return level >= l.level
}

func (l *Logger) logf(level, msg string, args ...interface{}) {
	l.writeLog(level, fmt.Sprintf(msg, args...), l.fields)
}

func (l *Logger) logWithFields(level, msg string, fields ...LogField) {
	merged := cloneFields(l.fields)
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	l.writeLog(level, msg, merged)
}

// writeLog routes DEBUG/INFO/WARN to stdout and ERROR/FATAL to stderr.
func (l *Logger) writeLog(level, msg string, fields map[string]interface{}) {
	line := fmt.Sprintf("[%s] [%s] %s: %s", timestamp(), level, l.name, msg)
	if len(fields) > 0 {
		line += " |"
		for k, v := range fields {
			line += fmt.Sprintf(" %s=%v", k, v)
		}
	}
	if level == "ERROR" || level == "FATAL" {
		fmt.Fprintf(os.Stderr, "%s\n", line)
	} else {
		log.Println(line)
	}
}

// timestamp returns an RFC3339 timestamp, overridable via LOG_TIMESTAMP for
// deterministic test output.
func timestamp() string {
	if override := os.Getenv("LOG_TIMESTAMP"); override != "" {
		return override
	}
	return time.Now().Format(time.RFC3339)
}

func lookupPackageLevel(name string) (LogLevel, bool) {
	packageMu.RLock()
	defer packageMu.RUnlock()

	if level, ok := packageLevels[name]; ok {
		return level, true
	}
	// Wildcard patterns: "graph.*" matches "graph.store", "graph.guard", ...
	var best string
	for pattern := range packageLevels {
		if !strings.HasSuffix(pattern, ".*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, ".*")
		if strings.HasPrefix(name, prefix+".") && len(pattern) > len(best) {
			best = pattern
		}
	}
	if best != "" {
		return packageLevels[best], true
	}
	return 0, false
}

func cloneFields(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func parseLevel(levelStr string) (LogLevel, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return 0, fmt.Errorf("invalid level: %s (must be DEBUG, INFO, WARN, ERROR, or FATAL)", levelStr)
	}
}
