// Package debug provides env-gated diagnostic logging. Operational events go
// to stderr unconditionally from their owning components; the chatty
// per-request diagnostics here only appear with CINDER_DEBUG set.
package debug

import (
	"fmt"
	"os"
)

var enabled = os.Getenv("CINDER_DEBUG") != ""

var verboseMode = false

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables debug output regardless of the environment.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
