package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance layered over the standard library log
// package. The zero verbosity is INFO; DEBUG is only emitted when explicitly
// enabled through configuration.
type Logger struct {
	level LogLevel
	mu    sync.RWMutex
}

// New creates a new Logger instance with the specified level.
func New(level string) *Logger {
	return &Logger{level: ParseLogLevel(level)}
}

// getDefaultLogger returns the singleton default logger.
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{level: INFO}
	})
	return defaultLogger
}

// ParseLogLevel converts a string to a LogLevel, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global default log level (package-level).
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// SetLevel sets this logger instance's level.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// shouldLog checks if a message should be logged at the current level.
func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// logMessage formats and outputs the log message.
func logMessage(level string, format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	log.Printf("[%s] %s", level, message)
}

// Debug logs debug level messages.
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.shouldLog(DEBUG) {
		logMessage("DEBUG", format, v...)
	}
}

// Info logs info level messages.
func (l *Logger) Info(format string, v ...interface{}) {
	if l.shouldLog(INFO) {
		logMessage("INFO", format, v...)
	}
}

// Warn logs warning level messages.
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.shouldLog(WARN) {
		logMessage("WARN", format, v...)
	}
}

// Error logs error level messages.
func (l *Logger) Error(format string, v ...interface{}) {
	if l.shouldLog(ERROR) {
		logMessage("ERROR", format, v...)
	}
}

// Package-level functions (for direct use like logger.Info())

func Debug(format string, v ...interface{}) { getDefaultLogger().Debug(format, v...) }
func Info(format string, v ...interface{})  { getDefaultLogger().Info(format, v...) }
func Warn(format string, v ...interface{})  { getDefaultLogger().Warn(format, v...) }
func Error(format string, v ...interface{}) { getDefaultLogger().Error(format, v...) }
