//go:build linux

// Linux TPM sealer. Uses /dev/tpmrm0 (TPM Resource Manager) or /dev/tpm0
// (direct access).

package tpm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// HardwareSealer seals data under the owner-hierarchy storage root key.
type HardwareSealer struct {
	mu         sync.Mutex
	devicePath string
	transport  transport.TPMCloser
}

// detectHardwareSealer opens the first accessible TPM device.
func detectHardwareSealer() Sealer {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s, err := OpenHardwareSealer(path)
		if err == nil {
			return s
		}
	}
	return nil
}

// OpenHardwareSealer opens the TPM at devicePath.
func OpenHardwareSealer(devicePath string) (*HardwareSealer, error) {
	t, err := transport.OpenTPM(devicePath)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to open %s: %w", devicePath, err)
	}
	return &HardwareSealer{devicePath: devicePath, transport: t}, nil
}

// Name implements Sealer.
func (h *HardwareSealer) Name() string { return "tpm:" + h.devicePath }

// Close implements Sealer.
func (h *HardwareSealer) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.transport == nil {
		return nil
	}
	err := h.transport.Close()
	h.transport = nil
	return err
}

// Seal implements Sealer. The blob layout is
// kind || len(pub) || pub || len(priv) || priv.
func (h *HardwareSealer) Seal(data []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.transport == nil {
		return nil, ErrTPMNotOpen
	}

	srk, err := h.createSRK()
	if err != nil {
		return nil, err
	}
	defer h.flush(srk.ObjectHandle)

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk.ObjectHandle,
			Name:   srk.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{Buffer: data},
				),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: true,
				NoDA:         true,
			},
		}),
	}

	createRsp, err := createCmd.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: Create failed: %w", err)
	}

	pubBytes := tpm2.Marshal(createRsp.OutPublic)
	privBytes := tpm2.Marshal(createRsp.OutPrivate)

	sealed := make([]byte, 1+4+len(pubBytes)+4+len(privBytes))
	sealed[0] = kindHardware
	binary.BigEndian.PutUint32(sealed[1:5], uint32(len(pubBytes)))
	copy(sealed[5:], pubBytes)
	offset := 5 + len(pubBytes)
	binary.BigEndian.PutUint32(sealed[offset:offset+4], uint32(len(privBytes)))
	copy(sealed[offset+4:], privBytes)

	return sealed, nil
}

// Unseal implements Sealer.
func (h *HardwareSealer) Unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < 9 {
		return nil, ErrSealedCorrupted
	}
	if sealed[0] != kindHardware {
		return nil, ErrWrongSealer
	}

	body := sealed[1:]
	pubLen := binary.BigEndian.Uint32(body[0:4])
	if uint64(len(body)) < 4+uint64(pubLen)+4 {
		return nil, ErrSealedCorrupted
	}
	pubBytes := body[4 : 4+pubLen]
	offset := 4 + pubLen
	privLen := binary.BigEndian.Uint32(body[offset : offset+4])
	if uint64(len(body)) < uint64(offset)+4+uint64(privLen) {
		return nil, ErrSealedCorrupted
	}
	privBytes := body[offset+4 : offset+4+privLen]

	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to unmarshal public: %w", err)
	}
	outPrivate, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](privBytes)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to unmarshal private: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.transport == nil {
		return nil, ErrTPMNotOpen
	}

	srk, err := h.createSRK()
	if err != nil {
		return nil, err
	}
	defer h.flush(srk.ObjectHandle)

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk.ObjectHandle,
			Name:   srk.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  *outPublic,
		InPrivate: *outPrivate,
	}
	loadRsp, err := loadCmd.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: Load failed: %w", err)
	}
	defer h.flush(loadRsp.ObjectHandle)

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Name:   loadRsp.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
	}
	unsealRsp, err := unsealCmd.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}

	return unsealRsp.OutData.Buffer, nil
}

// createSRK creates the ECC storage root key under the owner hierarchy. The
// template is deterministic so the same SRK is recreated on every call.
func (h *HardwareSealer) createSRK() (*tpm2.CreatePrimaryResponse, error) {
	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(tpm2.ECCSRKTemplate),
	}
	rsp, err := createPrimaryCmd.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to create SRK: %w", err)
	}
	return rsp, nil
}

// flush releases a transient handle, ignoring any errors.
func (h *HardwareSealer) flush(handle tpm2.TPMHandle) {
	if handle != 0 && h.transport != nil {
		tpm2.FlushContext{FlushHandle: handle}.Execute(h.transport)
	}
}
