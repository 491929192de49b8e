// Package security provides the low-level protection primitives of the
// pushauth core: device-secret derivation, record sealing, secret files,
// cross-process locks and random key-pair aliases.
package security

import "runtime"

// Wipe overwrites a byte slice with zeros.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// GuardedExec runs fn with key and wipes key afterwards, regardless of errors.
func GuardedExec(key []byte, fn func([]byte) error) error {
	defer Wipe(key)
	return fn(key)
}
