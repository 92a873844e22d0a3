// Package guard marks the process as running under test when imported.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("GATEKEEPER_TEST_MODE") == "" {
			_ = os.Setenv("GATEKEEPER_TEST_MODE", "1")
		}
	})
}
