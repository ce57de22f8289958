// Package log wraps logrus behind a small facade so the rest of the
// engine never touches the logging backend directly.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = logrus.New()

// Config selects the log level, format, and appenders.
type Config struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"` // text | json
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables an optional rotating file appender.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Init configures the process logger. Called once at startup, before
// any workers exist.
func Init(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	writers := []io.Writer{os.Stdout}
	if cfg.File.Enabled {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))

	return nil
}

// GetLogger exposes the underlying logger for callers that need
// structured fields.
func GetLogger() *logrus.Logger {
	return logger
}

func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

func WithError(err error) *logrus.Entry {
	return logger.WithError(err)
}
