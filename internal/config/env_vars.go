package config

import (
	"os"
	"time"
)

const appNameVar = "APP_NAME"

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Fit Session")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

// GetLogLevel returns the LOG_LEVEL override; empty means derive from the
// environment (DEV logs debug, everything else info).
func (EnvVars) GetLogLevel() string {
	return GetEnv("LOG_LEVEL", "")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetDurationEnv reads a Go duration string, falling back when the variable
// is unset or unparsable.
func GetDurationEnv(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
