package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocPicksSmallestClass(t *testing.T) {
	p := New()

	small := p.Alloc(10)
	assert.Equal(t, classSmall, small.class)
	assert.Len(t, small.Data, 10)

	medium := p.Alloc(SmallSize + 1)
	assert.Equal(t, classMedium, medium.class)

	oversize := p.Alloc(MediumSize + 1)
	assert.Equal(t, classOversize, oversize.class)
	assert.Len(t, oversize.Data, MediumSize+1)
}

func TestBalancedAllocDeallocPairsLeaveNothingLive(t *testing.T) {
	p := New()
	for i := 0; i < 100; i++ {
		b := p.Alloc(64)
		require.NoError(t, p.Dealloc(b))
	}
	stats := p.Stats()
	assert.Equal(t, uint64(100), stats.Allocs)
	assert.Equal(t, uint64(100), stats.Frees)
	assert.Equal(t, uint64(0), stats.Live)
}

func TestDoubleFreeIsAnError(t *testing.T) {
	p := New()
	b := p.Alloc(16)
	require.NoError(t, p.Dealloc(b))
	err := p.Dealloc(b)
	require.Error(t, err)
}

func TestFreedBlockReusedBySubsequentAlloc(t *testing.T) {
	p := New()
	first := p.Alloc(32)
	require.NoError(t, p.Dealloc(first))

	second := p.Alloc(32)
	assert.Equal(t, classSmall, second.class)
	assert.Len(t, second.Data, 32)
}

func TestSelfDescribingSizePrefixSurvivesReuse(t *testing.T) {
	p := New()
	a := p.Alloc(20)
	require.NoError(t, p.Dealloc(a))

	b := p.Alloc(5)
	assert.Equal(t, uint64(5), requestedSize(b.raw))
}
