package app

import (
	"log/slog"
	"os"
	"strconv"
)

const testModeEnv = "OS_TEST_MODE"

// SkipStartup reports whether the named binary runs under a test harness and
// must not dial PostgreSQL or Redis.
func SkipStartup(service string) bool {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	if on {
		slog.Default().Info("test mode detected, skipping startup", slog.String("service", service))
	}
	return on
}
