// Package logger provides the process-wide zap sugared logger.
// Level comes from LOG_LEVEL and the encoder from ENVIRONMENT.
package logger

import (
	"fmt"
	"os"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.SugaredLogger
	once   sync.Once
)

// IsTest switches the logger to a stdout development config.
var IsTest bool

func initLoggerInternal() {
	var zapLogger *zap.Logger
	var err error

	levelStr := os.Getenv("LOG_LEVEL")
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = zapcore.InfoLevel
	}

	if IsTest {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stdout"}
		zapLogger, err = cfg.Build()
	} else if os.Getenv("ENVIRONMENT") == "production" {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err = cfg.Build()
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = cfg.Build()
	}

	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	logger = zapLogger.Sugar()
}

// GetLogger returns the shared logger, initializing it on first use.
func GetLogger() *zap.SugaredLogger {
	once.Do(initLoggerInternal)
	return logger
}

// Named returns the shared logger tagged with a component field.
func Named(component string) *zap.SugaredLogger {
	return GetLogger().With("component", component)
}

// Close flushes buffered entries.
func Close() error {
	if logger != nil && !IsTest {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
			return err
		}
	}
	return nil
}

// Excerpt keeps about the first and last n bytes of s so large payloads never reach the logs whole.
func Excerpt(s string, n int) string {
	if n <= 0 || len(s) <= 2*n {
		return s
	}
	head, tail := HeadTail(s, n)
	return fmt.Sprintf("%s ...[%d bytes omitted]... %s", head, len(s)-len(head)-len(tail), tail)
}

// HeadTail returns at most n bytes from each end of s, cut on rune boundaries.
// When s is no longer than 2n the whole string is the head.
func HeadTail(s string, n int) (string, string) {
	if n <= 0 || len(s) <= 2*n {
		return s, ""
	}
	end := n
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[:end], s[start:]
}
