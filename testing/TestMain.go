// Package testing switches the binaries into test mode when imported by a
// test package, so nothing dials PostgreSQL or Redis at init.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("OS_TEST_MODE", "1")
	})
}

func init() {
	ensureTestMode()
}

// TestMain can be re-exported by packages that need test mode before flags
// are parsed.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
