package app

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	switch strings.ToLower(os.Getenv(testModeEnv)) {
	case "1", "true", "yes":
		testModeFlag.Store(true)
	default:
		testModeFlag.Store(false)
	}
}

// InTestMode reports whether cmd mains should skip connecting to Postgres,
// Redis and the asynq scheduler.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
