package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := WithCode(KindKeyStore, "keystore: sign", -25300, errors.New("item not found"))
	assert.Equal(t, "keystore: sign: keystore error (code -25300): item not found", err.Error())

	plain := Input("", nil)
	assert.Equal(t, "input error", plain.Error())
}

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("outer: %w", Storage("store: save", base))

	assert.Equal(t, KindStorage, KindOf(err))
	assert.True(t, IsKind(err, KindStorage))
	assert.False(t, IsKind(err, KindNetwork))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindUnknown, KindOf(base))
}

func TestCodeSearchesChain(t *testing.T) {
	inner := WithCode(KindStorage, "store: update", 19, errors.New("constraint"))
	outer := KeyStore("factor: create", inner)

	assert.Equal(t, 19, Code(outer))
	assert.Equal(t, KindKeyStore, KindOf(outer))
	assert.Equal(t, NoCode, Code(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	for kind, want := range map[Kind]string{
		KindInput:    "input",
		KindKeyStore: "keystore",
		KindStorage:  "storage",
		KindNetwork:  "network",
		KindMapper:   "mapper",
		KindUnknown:  "unknown",
	} {
		assert.Equal(t, want, kind.String())
	}
}
