//go:build unix

package security

import (
	"bufio"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// tracerAttached reads TracerPid from /proc where available.
func tracerAttached() bool {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "TracerPid:"); ok {
			v = strings.TrimSpace(v)
			return v != "" && v != "0"
		}
	}
	return false
}

func setUmask(mask int) int {
	return syscall.Umask(mask)
}

func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

func coreDumpsEnabled() bool {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlimit); err != nil {
		return true
	}
	return rlimit.Cur > 0 || rlimit.Max > 0
}
