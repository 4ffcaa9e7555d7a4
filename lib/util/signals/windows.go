//go:build windows

package signals

import "os"

var notifySignals = []os.Signal{os.Interrupt}

// windows has no SIGHUP
func isReload(os.Signal) bool {
	return false
}
