// Package logging provides structured logging for the offline layer.
//
// The API mirrors a small JSON logger (message + optional error + context map);
// logrus does the level filtering, locking and output.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a case-insensitive level name to a LogLevel, defaulting to
// LevelInfo for unknown input.
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

func (l LogLevel) logrus() logrus.Level {
	switch l {
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

// Logger provides structured logging.
type Logger struct {
	base     *logrus.Logger
	out      io.Writer
	minLevel LogLevel
}

// Option configures a Logger.
type Option func(*logrus.Logger, io.Writer)

// WithTextFormat switches to logrus' human readable text format.
func WithTextFormat() Option {
	return func(l *logrus.Logger, _ io.Writer) {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// WithTerminalDetection uses the text format when out is a terminal and JSON
// otherwise.
func WithTerminalDetection() Option {
	return func(l *logrus.Logger, out io.Writer) {
		f, ok := out.(*os.File)
		if ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
	}
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// New creates a standalone logger.
func New(out io.Writer, minLevel LogLevel, opts ...Option) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(minLevel.logrus())
	base.SetFormatter(&entryFormatter{})
	for _, opt := range opts {
		opt(base, out)
	}
	return &Logger{base: base, out: out, minLevel: minLevel}
}

// Init initializes the global logger. Only the first call has an effect.
func Init(out io.Writer, minLevel LogLevel, opts ...Option) {
	once.Do(func() {
		global = New(out, minLevel, opts...)
	})
}

// Get returns the global logger instance.
// The first call without a prior Init logs to stderr at INFO.
func Get() *Logger {
	Init(os.Stderr, LevelInfo)
	return global
}

// LogEntry represents a structured log entry as written in JSON mode.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// entryFormatter renders logrus entries as LogEntry JSON lines.
type entryFormatter struct{}

func (f *entryFormatter) Format(e *logrus.Entry) ([]byte, error) {
	entry := LogEntry{
		Timestamp: e.Time.UTC().Format(time.RFC3339),
		Level:     levelName(e.Level),
		Message:   e.Message,
	}
	for k, v := range e.Data {
		if k == logrus.ErrorKey {
			if err, ok := v.(error); ok {
				entry.Error = err.Error()
				continue
			}
		}
		if entry.Context == nil {
			entry.Context = make(map[string]interface{}, len(e.Data))
		}
		entry.Context[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func levelName(level logrus.Level) string {
	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return string(LevelDebug)
	case logrus.InfoLevel:
		return string(LevelInfo)
	case logrus.WarnLevel:
		return string(LevelWarn)
	default:
		return string(LevelError)
	}
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.base.IsLevelEnabled(level.logrus()) {
		return
	}
	e := l.base.WithFields(logrus.Fields(context))
	if err != nil {
		e = e.WithError(err)
	}
	e.Log(level.logrus(), message)
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

// WarnWithCode logs a recoverable failure together with its error code.
func (l *Logger) WarnWithCode(message, code string, err error, context ...map[string]interface{}) {
	ctx := l.getContext(append(context, map[string]interface{}{"error_code": code})...)
	l.log(LevelWarn, message, err, ctx)
}

// ErrorWithCode logs an error message together with its error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	ctx := l.getContext(append(context, map[string]interface{}{"error_code": code})...)
	l.log(LevelError, message, err, ctx)
}

// Absorbed logs a failure the caller swallows. Recoverable errors are
// expected while degraded and go out at warn level; anything else points at
// a bug and goes out at error level. Both carry the error code.
func (l *Logger) Absorbed(message string, err error, context ...map[string]interface{}) {
	code := string(apperrors.CodeOf(err))
	if apperrors.IsRecoverable(err) {
		l.WarnWithCode(message, code, err, context...)
		return
	}
	l.ErrorWithCode(message, code, err, context...)
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

func WarnWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().WarnWithCode(message, code, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}

func Absorbed(message string, err error, context ...map[string]interface{}) {
	Get().Absorbed(message, err, context...)
}
