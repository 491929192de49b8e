package security

import "os"

// HardenProcess restricts what the process leaks while it holds the
// device secret: core dumps are disabled and new files default to owner
// only. It returns warnings about conditions it cannot fix.
func HardenProcess() ([]string, error) {
	var warnings []string
	if os.Geteuid() == 0 {
		warnings = append(warnings, "running as root; factor keys will be owned by root")
	}
	if tracerAttached() {
		warnings = append(warnings, "a debugger is attached; key material may be exposed")
	}

	setUmask(0077)
	if err := disableCoreDumps(); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// CoreDumpsEnabled reports whether the process may write a core dump.
func CoreDumpsEnabled() bool {
	return coreDumpsEnabled()
}
