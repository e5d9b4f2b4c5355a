package logger

import (
	"fmt"
	"log"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger
	Logger *zap.SugaredLogger

	loggerMutex sync.RWMutex
)

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Config holds the logger configuration
type Config struct {
	Level       LogLevel `yaml:"level" json:"level"`
	Development bool     `yaml:"development" json:"development"`
	Encoding    string   `yaml:"encoding" json:"encoding"` // "json" or "console"
}

// DefaultConfig returns a default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:       InfoLevel,
		Development: false,
		Encoding:    "console",
	}
}

// DevelopmentConfig returns a development logger configuration
func DevelopmentConfig() *Config {
	return &Config{
		Level:       DebugLevel,
		Development: true,
		Encoding:    "console",
	}
}

// Initialize replaces the global logger using the given configuration
func Initialize(config *Config) error {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	l, err := build(config)
	if err != nil {
		return err
	}
	Logger = l
	return nil
}

// InitializeDevelopment initializes the global logger with development configuration
func InitializeDevelopment() error {
	return Initialize(DevelopmentConfig())
}

// InitializeNop silences all output. Used by tests.
func InitializeNop() {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	Logger = zap.NewNop().Sugar()
}

func build(config *Config) (*zap.SugaredLogger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(string(config.Level))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", config.Level)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if config.Encoding != "" {
		zapConfig.Encoding = config.Encoding
	}
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.CallerKey = "caller"
	zapConfig.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build zap logger")
	}
	return l.Sugar(), nil
}

// GetLogger returns the global logger, initializing a default one on first use
func GetLogger() *zap.SugaredLogger {
	loggerMutex.RLock()
	if Logger != nil {
		defer loggerMutex.RUnlock()
		return Logger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	// another goroutine may have won the race
	if Logger != nil {
		return Logger
	}

	l, err := build(DefaultConfig())
	if err != nil {
		panic("Failed to initialize default logger: " + err.Error())
	}
	Logger = l
	return Logger
}

// Info logs an info message
func Info(args ...any) {
	GetLogger().Info(args...)
}

// Infof logs a formatted info message
func Infof(template string, args ...any) {
	GetLogger().Infof(template, args...)
}

// Warnf logs a formatted warning message
func Warnf(template string, args ...any) {
	GetLogger().Warnf(template, args...)
}

// Errorf logs a formatted error message
func Errorf(template string, args ...any) {
	GetLogger().Errorf(template, args...)
}

// With adds structured context to the logger
func With(args ...any) *zap.SugaredLogger {
	return GetLogger().With(args...)
}

// Named creates a named child logger
func Named(name string) *zap.SugaredLogger {
	return GetLogger().Named(name)
}

// StdLog adapts the global logger for libraries that want a *log.Logger
func StdLog(name string) *log.Logger {
	return zap.NewStdLog(GetLogger().Named(name).Desugar())
}

// Sync flushes any buffered log entries
func Sync() error {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

// WrapError logs an error with additional context and returns a wrapped error
func WrapError(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}

	contextMsg := msg
	if len(args) > 0 {
		contextMsg = fmt.Sprintf(msg, args...)
	}

	GetLogger().With(
		"error", err.Error(),
		"context", contextMsg,
	).Error("Error occurred with context")

	return errors.Wrap(err, contextMsg)
}

// LogIfError logs an error if it's not nil and returns the same error
func LogIfError(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}

	contextMsg := msg
	if len(args) > 0 {
		contextMsg = fmt.Sprintf(msg, args...)
	}

	GetLogger().With("error", err.Error()).Error(contextMsg)
	return err
}
