package fault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(InvalidArgument, "bad %s: %d", "size", 7)
	assert.Equal(t, "invalid-argument: bad size: 7", err.Error())
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	underlying := errors.New("boom")
	err := Wrap(PeerClosed, underlying, "while doing x")
	assert.ErrorIs(t, err, underlying)
	assert.Contains(t, err.Error(), "boom")
}

func TestIsMatchesKind(t *testing.T) {
	err := New(BadState, "oops")
	assert.True(t, Is(err, BadState))
	assert.False(t, Is(err, ErrTimeout))
	assert.False(t, Is(errors.New("plain"), BadState))
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		NoErrors:  "no-errors",
		BadMalloc: "bad-malloc",
		Crash:     "crash",
		Death:     "death",
		Exit:      "exit",
		Leak:      "leak",
		OOM:       "oom",
		Timeout:   "timeout",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}
