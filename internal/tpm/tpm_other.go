//go:build !linux

package tpm

// detectHardwareSealer returns nil where no TPM transport is supported.
func detectHardwareSealer() Sealer {
	return nil
}
