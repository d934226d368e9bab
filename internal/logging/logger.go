// Package logging provides the node logger: levelled console and file output plus a
// separate audit trail for ledger decisions.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with printf-style helpers and an audit log.
type Logger struct {
	zl    zerolog.Logger
	audit *zerolog.Logger
	files []*os.File
}

// NewLogger creates a logger writing to stdout and, if set, to logFile. Audit events and
// every WARN or worse entry also go to auditFile.
func NewLogger(level string, logFile string, auditFile string) (*Logger, error) {
	return newLogger(level, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}, logFile, auditFile)
}

func newLogger(level string, console io.Writer, logFile string, auditFile string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	l := &Logger{}
	writers := []io.Writer{console}

	if logFile != "" {
		file, err := openAppend(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, file)
		writers = append(writers, file)
	}

	if auditFile != "" {
		file, err := openAppend(auditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, file)
		audit := zerolog.New(file).With().Timestamp().Logger()
		l.audit = &audit
		writers = append(writers, &levelFilter{w: file, min: zerolog.WarnLevel})
	}

	l.zl = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
}

// levelFilter forwards only entries at or above min.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFilter) Write(p []byte) (int, error) { return len(p), nil }

func (f *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Zerolog exposes the structured logger for library packages.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Close closes the log files.
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.zl.WithLevel(zerolog.FatalLevel).Msgf(format, args...)
	l.Close()
	os.Exit(1)
}

// Audit records a ledger decision in the audit log.
func (l *Logger) Audit(event string, details map[string]interface{}) {
	if l.audit == nil {
		return
	}
	l.audit.Log().Str("audit", event).Fields(details).Send()
}
