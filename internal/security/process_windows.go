//go:build windows

package security

// Windows has neither a umask nor core dumps in the Unix sense.

func tracerAttached() bool { return false }

func setUmask(mask int) int { return 0 }

func disableCoreDumps() error { return nil }

func coreDumpsEnabled() bool { return false }
