package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
)

func TestMetadata_PutGetInvalidate(t *testing.T) {
	c := NewMetadata(4)
	id := idmap.NewStableID()

	_, ok := c.Get(id)
	assert.False(t, ok)

	c.Put(id, "record")
	got, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, "record", got)

	c.Invalidate(id)
	_, ok = c.Get(id)
	assert.False(t, ok)

	// Invalidating a missing key is a no-op.
	c.Invalidate(id)
}

func TestMetadata_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMetadata(2)
	a, b, d := idmap.NewStableID(), idmap.NewStableID(), idmap.NewStableID()

	c.Put(a, 1)
	c.Put(b, 2)

	// Touch a so b becomes the eviction candidate.
	_, ok := c.Get(a)
	require.True(t, ok)

	c.Put(d, 3)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get(b)
	assert.False(t, ok, "least recently used entry should have been evicted")
	_, ok = c.Get(a)
	assert.True(t, ok)
	_, ok = c.Get(d)
	assert.True(t, ok)
}

func TestMetadata_PutUpdatesExistingEntry(t *testing.T) {
	c := NewMetadata(2)
	id := idmap.NewStableID()

	c.Put(id, "v1")
	c.Put(id, "v2")

	got, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, "v2", got)
	assert.Equal(t, 1, c.Len())
}

func TestBufferPool_SizeClasses(t *testing.T) {
	p := NewBufferPool()

	tests := []struct {
		size    int
		wantCap int
	}{
		{1, smallBufferSize},
		{smallBufferSize, smallBufferSize},
		{smallBufferSize + 1, mediumBufferSize},
		{mediumBufferSize + 1, largeBufferSize},
	}

	for _, tt := range tests {
		buf := p.Get(tt.size)
		assert.Len(t, buf, tt.size)
		assert.Equal(t, tt.wantCap, cap(buf))
		p.Put(buf)
	}
}

func TestBufferPool_OversizedNotPooled(t *testing.T) {
	p := NewBufferPool()

	buf := p.Get(largeBufferSize + 1)
	assert.Len(t, buf, largeBufferSize+1)

	// Returning it must not panic; it is simply dropped.
	p.Put(buf)
	p.Put(nil)
}
