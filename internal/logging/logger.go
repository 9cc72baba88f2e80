// Package logging provides structured logging for medcord.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging.
type Logger struct {
	out      io.Writer
	minLevel LogLevel
	backend  *logrus.Logger
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	mu     sync.Mutex
)

// New creates a standalone logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	backend := logrus.New()
	backend.SetOutput(out)
	backend.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	backend.SetLevel(toLogrus(minLevel))

	return &Logger{
		out:      out,
		minLevel: minLevel,
		backend:  backend,
	}
}

// Init initializes the global logger. Only the first call takes effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		mu.Lock()
		global = New(out, minLevel)
		mu.Unlock()
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	Init(os.Stdout, LevelInfo)
	mu.Lock()
	defer mu.Unlock()
	return global
}

// ParseLevel converts a config string into a LogLevel.
// Unknown values fall back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	entry := logrus.NewEntry(l.backend)
	if len(context) > 0 {
		entry = entry.WithFields(logrus.Fields(context))
	}
	if err != nil {
		entry = entry.WithField(logrus.ErrorKey, err.Error())
	}

	switch level {
	case LevelDebug:
		entry.Debug(message)
	case LevelWarn:
		entry.Warn(message)
	case LevelError:
		entry.Error(message)
	default:
		entry.Info(message)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, l.getContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, l.getContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, l.getContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, l.getContext(context...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	merged := make(map[string]interface{}, len(ctx)+1)
	for k, v := range ctx {
		merged[k] = v
	}
	merged["error_code"] = code
	l.log(LevelError, message, err, merged)
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
