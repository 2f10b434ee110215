package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counters(vals ...byte) []byte {
	buf := make([]byte, 8)
	copy(buf, vals)
	return buf
}

func TestMeasureIsMonotonic(t *testing.T) {
	proxy, err := NewProxy("m1", 8)
	require.NoError(t, err)
	buf := counters(0, 0, 0, 0, 0, 0, 0, 0)
	require.NoError(t, proxy.Add(buf))

	copy(buf, counters(1))
	n1 := proxy.Measure()

	copy(buf, counters(5))
	n2 := proxy.Measure()

	assert.GreaterOrEqual(t, n2, n1)
}

func TestAccumulateThenMeasureIsIdempotent(t *testing.T) {
	proxy, err := NewProxy("m1", 8)
	require.NoError(t, err)
	buf := counters(9) // -> bucket [8,15]
	require.NoError(t, proxy.Add(buf))

	n1 := proxy.Accumulate()
	assert.Equal(t, 1, n1)

	n2 := proxy.Accumulate()
	assert.Equal(t, 0, n2)

	n3 := proxy.Measure()
	assert.Equal(t, 0, n3)
}

func TestGetCoverageSeparatesPCsAndFeatures(t *testing.T) {
	proxy, err := NewProxy("m1", 8)
	require.NoError(t, err)
	// Two distinct counter bytes, both nonzero, land in the same
	// accumulated word; a single measure gives each byte one feature bit,
	// so two byte positions -> two PCs, two features.
	buf := counters(1, 4, 0, 0, 0, 0, 0, 0)
	require.NoError(t, proxy.Add(buf))
	proxy.Accumulate()

	pcs, features := proxy.GetCoverage()
	assert.Equal(t, 2, pcs)
	assert.Equal(t, 2, features)
}

func TestAddRejectsWrongSize(t *testing.T) {
	proxy, err := NewProxy("m1", 8)
	require.NoError(t, err)
	err = proxy.Add(make([]byte, 4))
	assert.Error(t, err)
}

func TestNewProxyRejectsUnalignedSize(t *testing.T) {
	_, err := NewProxy("m1", 7)
	assert.Error(t, err)
}

func TestClearResetsAccumulated(t *testing.T) {
	proxy, err := NewProxy("m1", 8)
	require.NoError(t, err)
	buf := counters(1)
	require.NoError(t, proxy.Add(buf))
	proxy.Accumulate()
	pcs, _ := proxy.GetCoverage()
	require.Equal(t, 1, pcs)

	proxy.Clear()
	pcs, features := proxy.GetCoverage()
	assert.Equal(t, 0, pcs)
	assert.Equal(t, 0, features)
}

func TestPoolGetOrCreateReusesProxy(t *testing.T) {
	pool := NewPool()
	p1, err := pool.GetOrCreate("m1", 8)
	require.NoError(t, err)
	p2, err := pool.GetOrCreate("m1", 8)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestPoolAggregatesAcrossModules(t *testing.T) {
	pool := NewPool()
	p1, err := pool.GetOrCreate("m1", 8)
	require.NoError(t, err)
	p2, err := pool.GetOrCreate("m2", 8)
	require.NoError(t, err)

	b1 := counters(1)
	b2 := counters(1)
	require.NoError(t, p1.Add(b1))
	require.NoError(t, p2.Add(b2))

	n := pool.Accumulate()
	assert.Equal(t, 2, n)

	pcs, features := pool.GetCoverage()
	assert.Equal(t, 2, pcs)
	assert.Equal(t, 2, features)
}
