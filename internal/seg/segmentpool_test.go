package seg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSegmentPoolStartsAllFree(t *testing.T) {
	p := NewSegmentPool(4, 128, true)
	assert.Equal(t, 4, p.NSeg())
	assert.Equal(t, 4, p.FreeCount())
}

func TestPopFreePushFreeRoundTrip(t *testing.T) {
	p := NewSegmentPool(2, 128, true)

	id, ok := p.PopFree(100)
	require.True(t, ok)
	assert.Equal(t, 1, p.FreeCount())
	seg := p.Get(id)
	assert.Equal(t, segActiveTail, seg.State())
	assert.EqualValues(t, 100, seg.CreateAt())

	p.PushFree(id)
	assert.Equal(t, 2, p.FreeCount())
	assert.Equal(t, segFree, p.Get(id).State())
}

func TestPopFreeExhaustion(t *testing.T) {
	p := NewSegmentPool(1, 128, true)
	_, ok := p.PopFree(0)
	require.True(t, ok)
	_, ok = p.PopFree(0)
	assert.False(t, ok, "pool should report exhaustion once empty")
}

func TestPopFreeReturnsFIFOOrder(t *testing.T) {
	p := NewSegmentPool(3, 128, true)
	first, _ := p.PopFree(0)
	second, _ := p.PopFree(0)
	third, _ := p.PopFree(0)
	assert.EqualValues(t, 1, first)
	assert.EqualValues(t, 2, second)
	assert.EqualValues(t, 3, third)
}
