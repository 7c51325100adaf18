package log

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

var logger hclog.Logger = hclog.Default()

// Init configures the root logger. LOG_LEVEL controls verbosity
// (trace, debug, info, warn, error), defaulting to info.
func Init() {
	level := hclog.Info
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = hclog.LevelFromString(strings.ToLower(env))
		if level == hclog.NoLevel {
			level = hclog.Info
		}
	}
	logger = hclog.New(&hclog.LoggerOptions{
		Name:  "flowent",
		Level: level,
	})
	hclog.SetDefault(logger)
}

// Named returns a sub-logger for one component.
func Named(name string) hclog.Logger {
	return logger.Named(name)
}

func Debug(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

// Infof logs with request-scoped context, reserved for future
// correlation id propagation.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}
