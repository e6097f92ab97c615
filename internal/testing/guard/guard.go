// Package guard switches the process into test mode when imported, so
// command entry points return before touching the network.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("OPENITEM_TEST_MODE") == "" {
			_ = os.Setenv("OPENITEM_TEST_MODE", "1")
		}
	})
}
