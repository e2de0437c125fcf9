// Package telemetry builds the gateway's loggers: terse operator
// feedback on stderr and a structured logrus logger for the library
// layers, with optional rotating file output.
package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Infof prints a progress line for the operator.
func Infof(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[nanobot] "+format+"\n", args...)
}

// Warnf prints a warning line for the operator.
func Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[nanobot] warning: "+format+"\n", args...)
}

// LogLevelEnv overrides the structured log level.
const LogLevelEnv = "NANOBOT_LOG_LEVEL"

// NewLogger builds the structured logger shared by HostManager,
// RemoteHost and the registry. An empty level falls back to the env
// var and then to "warning" so library logs stay quiet under normal
// CLI use. A non-empty logFile adds rotating file output.
func NewLogger(level, logFile string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if strings.TrimSpace(level) == "" {
		level = os.Getenv(LogLevelEnv)
	}
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil || strings.TrimSpace(level) == "" {
		parsed = logrus.WarnLevel
	}
	log.SetLevel(parsed)

	if strings.TrimSpace(logFile) != "" {
		rotated := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    20, // MiB
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}
	return log
}
