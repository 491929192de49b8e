package security

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// =============================================================================
// Memory and key tests
// =============================================================================

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")

	Wipe(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}
}

func TestWipeEmpty(t *testing.T) {
	Wipe(nil)
	Wipe([]byte{})
}

func TestGenerateKeyRejectsShortKeys(t *testing.T) {
	if _, err := GenerateKey(8); err == nil {
		t.Fatal("expected error for 8-byte key")
	}
	key, err := GenerateKey(RecommendedKeySize)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != RecommendedKeySize {
		t.Errorf("key length = %d, want %d", len(key), RecommendedKeySize)
	}
}

func TestDeriveKeyWithLabelSeparatesPurposes(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)

	a, err := DeriveKeyWithLabel(secret, "record-encryption", 32)
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	b, err := DeriveKeyWithLabel(secret, "other", 32)
	if err != nil {
		t.Fatalf("derive b: %v", err)
	}
	again, err := DeriveKeyWithLabel(secret, "record-encryption", 32)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}

	if bytes.Equal(a, b) {
		t.Error("different labels produced the same key")
	}
	if !bytes.Equal(a, again) {
		t.Error("derivation is not deterministic")
	}
}

func TestRandomAlias(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		alias, err := RandomAlias()
		if err != nil {
			t.Fatalf("RandomAlias failed: %v", err)
		}
		if len(alias) != AliasLength {
			t.Fatalf("alias %q has length %d", alias, len(alias))
		}
		for _, c := range alias {
			if !bytes.ContainsRune([]byte(aliasAlphabet), c) {
				t.Fatalf("alias %q contains %q", alias, c)
			}
		}
		if seen[alias] {
			t.Fatalf("alias %q generated twice", alias)
		}
		seen[alias] = true
	}
}

// =============================================================================
// Record cipher tests
// =============================================================================

func TestRecordCipherRoundTrip(t *testing.T) {
	c, err := NewRecordCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewRecordCipher failed: %v", err)
	}

	sealed, err := c.Seal([]byte(`{"sid":"FA123"}`), []byte("FA123"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("FA123")) {
		t.Error("sealed value leaks plaintext")
	}

	plain, err := c.Open(sealed, []byte("FA123"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(plain) != `{"sid":"FA123"}` {
		t.Errorf("plaintext = %q", plain)
	}
}

func TestRecordCipherRejectsWrongKeyBinding(t *testing.T) {
	c, err := NewRecordCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewRecordCipher failed: %v", err)
	}
	sealed, err := c.Seal([]byte("value"), []byte("FA1"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := c.Open(sealed, []byte("FA2")); err == nil {
		t.Error("Open with a different record key should fail")
	}
	if _, err := c.Open(sealed[:10], []byte("FA1")); err == nil {
		t.Error("Open of a truncated value should fail")
	}
}

// =============================================================================
// File tests
// =============================================================================

func TestWriteAndReadSecretFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "secret.bin")

	if err := WriteSecretFile(path, []byte("secret")); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}

	data, err := ReadSecureFile(path, 1024)
	if err != nil {
		t.Fatalf("ReadSecureFile failed: %v", err)
	}
	if string(data) != "secret" {
		t.Errorf("data = %q", data)
	}

	if _, err := ReadSecureFile(path, 2); err == nil {
		t.Error("expected size limit error")
	}
}

func TestReadSecureFileRejectsOpenPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	path := filepath.Join(t.TempDir(), "open.bin")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecureFile(path, 0); err == nil {
		t.Error("expected insecure permission error")
	}
}

func TestLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")

	lock, err := LockFile(path)
	if err != nil {
		t.Fatalf("LockFile failed: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("second Unlock should be a no-op: %v", err)
	}

	var nilLock *FileLock
	if err := nilLock.Unlock(); err != nil {
		t.Fatalf("nil Unlock: %v", err)
	}
}

func TestHardenProcess(t *testing.T) {
	if _, err := HardenProcess(); err != nil {
		t.Fatalf("HardenProcess failed: %v", err)
	}
	if CoreDumpsEnabled() {
		t.Error("core dumps still enabled")
	}
}
