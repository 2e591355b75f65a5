package hashprim

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasherMatchesSHA256(t *testing.T) {
	h := New()
	h.Update([]byte("hello, "))
	h.Update([]byte("world"))
	got := h.Close()

	want := sha256.Sum256([]byte("hello, world"))
	assert.Equal(t, want, got)
}

func TestHasherEmptyInput(t *testing.T) {
	h := New()
	got := h.Close()
	want := sha256.Sum256(nil)
	assert.Equal(t, want, got)
}
