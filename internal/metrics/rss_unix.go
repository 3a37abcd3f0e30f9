//go:build unix

package metrics

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PeakRSS returns the peak resident set size of the process in bytes, or 0
// when it cannot be read.
func PeakRSS() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// Darwin reports bytes, the other unixes kilobytes.
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		return int64(ru.Maxrss)
	}
	return int64(ru.Maxrss) * 1024
}
