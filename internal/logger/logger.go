package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level   string // debug, info, warn, error
	File    string // log file path, empty disables file output
	Console bool   // write to stderr
	Pretty  bool   // human readable console output
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
		Pretty:  true,
	}
}

// Logger owns the process zerolog.Logger and its log file. Its level can be
// changed at runtime and the change reaches every derived child logger.
type Logger struct {
	logger zerolog.Logger
	gate   *levelGate
	file   *os.File
}

// levelGate drops events below a level that can be swapped while loggers
// derived from it are in use.
type levelGate struct {
	min atomic.Int32
	out zerolog.LevelWriter
}

func (g *levelGate) Write(p []byte) (int, error) {
	return g.out.Write(p)
}

func (g *levelGate) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.Level(g.min.Load()) {
		return len(p), nil
	}
	return g.out.WriteLevel(level, p)
}

// New builds the logger and installs it as the zerolog global. An empty or
// unknown level means info.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var sinks []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		} else {
			sinks = append(sinks, os.Stderr)
		}
	}

	file, err := openLogFile(cfg.File)
	if err != nil {
		return nil, err
	}
	if file != nil {
		sinks = append(sinks, file)
	}

	gate := &levelGate{out: zerolog.MultiLevelWriter(sinks...)}
	if len(sinks) == 0 {
		gate.out = zerolog.LevelWriterAdapter{Writer: io.Discard}
	}
	gate.min.Store(int32(level))

	l := &Logger{
		logger: zerolog.New(gate).With().Timestamp().Str("service", "retina").Logger(),
		gate:   gate,
		file:   file,
	}
	log.Logger = l.logger
	return l, nil
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Level returns the current minimum level
func (l *Logger) Level() zerolog.Level {
	return zerolog.Level(l.gate.min.Load())
}

// SetLevel changes the minimum level of this logger and all its children
func (l *Logger) SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return fmt.Errorf("invalid log level: %q", level)
	}
	l.gate.min.Store(int32(parsed))
	return nil
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
