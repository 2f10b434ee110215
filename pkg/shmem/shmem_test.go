package shmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/realmfuzzer/pkg/fault"
)

func TestReserveThenUpdateThenReadRoundTrips(t *testing.T) {
	r, err := Reserve(8)
	require.NoError(t, err)
	defer r.Close()

	r.Update(func(buf []byte) { copy(buf, []byte("abcdefgh")) })
	assert.Equal(t, []byte("abcdefgh"), r.Read())
}

func TestWriteRejectsWrongSize(t *testing.T) {
	r, err := Reserve(4)
	require.NoError(t, err)
	defer r.Close()

	err = r.Write([]byte("too long"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.InvalidArgument))
}

func TestNameRoundTripsThroughParseName(t *testing.T) {
	name := Name(0x2a, "libfoo.so")
	targetID, moduleID, err := ParseName(name)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2a), targetID)
	assert.Equal(t, "libfoo.so", moduleID)
}

func TestParseNameRejectsMalformedNames(t *testing.T) {
	cases := []string{"no-slash-here", "/emptyprefix", "zz/module", "AAAA/"}
	for _, name := range cases {
		_, _, err := ParseName(name)
		require.Error(t, err, name)
		assert.True(t, fault.Is(err, fault.InvalidArgument), name)
	}
}

func TestShareThenLinkRecoversTheSameRegion(t *testing.T) {
	r, err := Reserve(8)
	require.NoError(t, err)
	defer r.Close()

	r.Update(func(buf []byte) { copy(buf, []byte("counters")) })
	h := r.Share(7, "mod")
	linked, err := Link(h)
	require.NoError(t, err)
	assert.Equal(t, r.Read(), linked.Read())
}

func TestMirrorCopiesInputAndClosesCleanly(t *testing.T) {
	src := []byte{1, 2, 3}
	m := Mirror(src)
	src[0] = 0xff
	assert.Equal(t, []byte{1, 2, 3}, m.Read())
	assert.NoError(t, m.Close())
}
