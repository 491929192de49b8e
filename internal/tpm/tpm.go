// Package tpm seals the pushauth device secret to the platform.
//
// The device secret is the root from which the record-store encryption key
// is derived. It never touches disk in the clear: it is sealed either by a
// TPM 2.0 (the sealed object can only be unsealed by the same chip) or, when
// no TPM is reachable, by a software key-encryption key held in a 0600 file.
package tpm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pushauth/internal/security"
)

// Error definitions for sealing operations.
var (
	ErrTPMNotAvailable = errors.New("tpm: hardware not available")
	ErrTPMNotOpen      = errors.New("tpm: device not open")
	ErrSealedCorrupted = errors.New("tpm: sealed data corrupted")
	ErrUnsealFailed    = errors.New("tpm: unseal operation failed")
	ErrWrongSealer     = errors.New("tpm: sealed blob belongs to a different sealer")
)

// DeviceSecretSize is the size of the generated device secret.
const DeviceSecretSize = 32

// Sealed blob headers.
const (
	kindSoftware byte = 0x01
	kindHardware byte = 0x02
)

// Sealer binds data to the current device.
type Sealer interface {
	// Name identifies the sealer in logs.
	Name() string
	// Seal returns an opaque blob only this sealer can open.
	Seal(data []byte) ([]byte, error)
	// Unseal reverses Seal.
	Unseal(sealed []byte) ([]byte, error)
	// Close releases platform resources.
	Close() error
}

// Detect returns a hardware sealer when a TPM is present and opens cleanly,
// otherwise a SoftwareSealer keeping its key-encryption key under dir.
func Detect(dir string) (Sealer, error) {
	if hw := detectHardwareSealer(); hw != nil {
		return hw, nil
	}
	return NewSoftwareSealer(filepath.Join(dir, "kek"))
}

// LoadOrCreateDeviceSecret returns the device secret stored sealed at path,
// generating and sealing a fresh one on first use.
func LoadOrCreateDeviceSecret(path string, sealer Sealer) ([]byte, error) {
	sealed, err := security.ReadSecureFile(path, 64*1024)
	if err == nil {
		secret, err := sealer.Unseal(sealed)
		if err != nil {
			return nil, fmt.Errorf("unseal device secret with %s: %w", sealer.Name(), err)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read device secret: %w", err)
	}

	secret, err := security.GenerateKey(DeviceSecretSize)
	if err != nil {
		return nil, err
	}
	sealed, err = sealer.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("seal device secret with %s: %w", sealer.Name(), err)
	}
	if err := security.WriteSecretFile(path, sealed); err != nil {
		return nil, fmt.Errorf("write device secret: %w", err)
	}
	return secret, nil
}

// SoftwareSealer seals with a random key-encryption key kept in a secret
// file. It protects against casual copying of the data directory only.
type SoftwareSealer struct {
	mu     sync.Mutex
	cipher *security.RecordCipher
}

// NewSoftwareSealer loads the key-encryption key at kekPath, creating it on
// first use.
func NewSoftwareSealer(kekPath string) (*SoftwareSealer, error) {
	kek, err := security.ReadSecureFile(kekPath, 1024)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read key-encryption key: %w", err)
		}
		kek, err = security.GenerateKey(security.RecommendedKeySize)
		if err != nil {
			return nil, err
		}
		if err := security.WriteSecretFile(kekPath, kek); err != nil {
			return nil, fmt.Errorf("write key-encryption key: %w", err)
		}
	}
	defer security.Wipe(kek)

	c, err := security.NewRecordCipher(kek)
	if err != nil {
		return nil, err
	}
	return &SoftwareSealer{cipher: c}, nil
}

// Name implements Sealer.
func (s *SoftwareSealer) Name() string { return "software" }

// Seal implements Sealer.
func (s *SoftwareSealer) Seal(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := s.cipher.Seal(data, []byte{kindSoftware})
	if err != nil {
		return nil, err
	}
	return append([]byte{kindSoftware}, out...), nil
}

// Unseal implements Sealer.
func (s *SoftwareSealer) Unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < 2 {
		return nil, ErrSealedCorrupted
	}
	if sealed[0] != kindSoftware {
		return nil, ErrWrongSealer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.cipher.Open(sealed[1:], []byte{kindSoftware})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	return data, nil
}

// Close implements Sealer.
func (s *SoftwareSealer) Close() error { return nil }
