package telemetry

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerDefaultsToWarn(t *testing.T) {
	t.Setenv(LogLevelEnv, "")
	log := NewLogger("", "")
	if log.GetLevel() != logrus.WarnLevel {
		t.Fatalf("level = %v", log.GetLevel())
	}
}

func TestNewLoggerExplicitLevel(t *testing.T) {
	log := NewLogger("debug", "")
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v", log.GetLevel())
	}
}

func TestNewLoggerEnvFallback(t *testing.T) {
	t.Setenv(LogLevelEnv, "error")
	log := NewLogger("", "")
	if log.GetLevel() != logrus.ErrorLevel {
		t.Fatalf("level = %v", log.GetLevel())
	}
}

func TestNewLoggerBadLevel(t *testing.T) {
	t.Setenv(LogLevelEnv, "")
	log := NewLogger("verbose-ish", "")
	if log.GetLevel() != logrus.WarnLevel {
		t.Fatalf("level = %v", log.GetLevel())
	}
}
