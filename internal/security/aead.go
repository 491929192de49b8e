package security

import (
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a sealed value fails authentication.
var ErrDecrypt = errors.New("security: decryption failed (data may be tampered or corrupted)")

// RecordCipher seals values with XChaCha20-Poly1305. The output layout is
// nonce || ciphertext+tag.
type RecordCipher struct {
	aead cipher.AEAD
}

// NewRecordCipher derives a record key from the device secret and returns a
// cipher bound to it.
func NewRecordCipher(deviceSecret []byte) (*RecordCipher, error) {
	key, err := DeriveKeyWithLabel(deviceSecret, "record-encryption", chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &RecordCipher{aead: aead}, nil
}

// Seal encrypts plaintext. The additional data binds the ciphertext to its
// record key so a value cannot be swapped between keys.
func (c *RecordCipher) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+c.aead.Overhead())
	if err := GenerateSecureRandom(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts a value produced by Seal.
func (c *RecordCipher) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed value too short", ErrDecrypt)
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
