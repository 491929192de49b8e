// Package keychaintest provides a fault-injecting keychain for tests.
package keychaintest

import (
	"sync"
	"testing"

	"pushauth/internal/keychain"
)

// Operation names accepted by Faulty.Fail and Faulty.Calls.
const (
	OpGenerate = "generate"
	OpSign     = "sign"
	OpVerify   = "verify"
	OpCopy     = "copy"
	OpAdd      = "add"
	OpDelete   = "delete"
	OpUpdate   = "update"
)

// Faulty wraps a Keychain and replaces the status of upcoming calls with
// queued statuses. A queued StatusSuccess lets the call through to the
// wrapped keychain.
type Faulty struct {
	kc keychain.Keychain

	mu     sync.Mutex
	faults map[string][]keychain.Status
	calls  map[string]int
}

var _ keychain.Keychain = (*Faulty)(nil)

// New returns a Faulty backed by an in-memory keychain closed at test end.
func New(t testing.TB) *Faulty {
	t.Helper()
	kc, err := keychain.OpenMemory()
	if err != nil {
		t.Fatalf("open memory keychain: %v", err)
	}
	t.Cleanup(func() { kc.Close() })
	return Wrap(kc)
}

// Wrap returns a Faulty around kc.
func Wrap(kc keychain.Keychain) *Faulty {
	return &Faulty{
		kc:     kc,
		faults: make(map[string][]keychain.Status),
		calls:  make(map[string]int),
	}
}

// Fail queues statuses for the next calls of op.
func (f *Faulty) Fail(op string, statuses ...keychain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], statuses...)
}

// Calls returns how many times op was invoked.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Reset clears call counters and pending faults.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string][]keychain.Status)
	f.calls = make(map[string]int)
}

func (f *Faulty) next(op string) keychain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	queued := f.faults[op]
	if len(queued) == 0 {
		return keychain.StatusSuccess
	}
	f.faults[op] = queued[1:]
	return queued[0]
}

func (f *Faulty) GenerateKeyPair(params keychain.KeyParams) (keychain.KeyPair, keychain.Status) {
	if st := f.next(OpGenerate); !st.OK() {
		return keychain.KeyPair{}, st
	}
	return f.kc.GenerateKeyPair(params)
}

func (f *Faulty) Sign(key keychain.Key, alg keychain.Algorithm, data []byte) ([]byte, keychain.Status) {
	if st := f.next(OpSign); !st.OK() {
		return nil, st
	}
	return f.kc.Sign(key, alg, data)
}

func (f *Faulty) Verify(key keychain.Key, alg keychain.Algorithm, data, signature []byte) (bool, keychain.Status) {
	if st := f.next(OpVerify); !st.OK() {
		return false, st
	}
	return f.kc.Verify(key, alg, data, signature)
}

func (f *Faulty) CopyItem(q keychain.Query) (keychain.Key, keychain.Status) {
	if st := f.next(OpCopy); !st.OK() {
		return keychain.Key{}, st
	}
	return f.kc.CopyItem(q)
}

func (f *Faulty) AddItem(q keychain.Query) keychain.Status {
	if st := f.next(OpAdd); !st.OK() {
		return st
	}
	return f.kc.AddItem(q)
}

func (f *Faulty) DeleteItem(q keychain.Query) keychain.Status {
	if st := f.next(OpDelete); !st.OK() {
		return st
	}
	return f.kc.DeleteItem(q)
}

func (f *Faulty) UpdateItem(q keychain.Query, attrs keychain.Attributes) keychain.Status {
	if st := f.next(OpUpdate); !st.OK() {
		return st
	}
	return f.kc.UpdateItem(q, attrs)
}
