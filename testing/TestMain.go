// Package testing flips the process into test mode so cmd entrypoints and
// config loading never reach real Postgres or Redis. Import it for side
// effects from test files.
package testing

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("ODYSSEY_TEST_MODE") == "" {
			_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		}
	})
}
