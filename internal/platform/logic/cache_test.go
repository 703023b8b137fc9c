package logic

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCache_Expiry(t *testing.T) {
	now := testNow
	c := NewResultCache()
	c.now = func() time.Time { return now }

	key := newCacheKey("CD4 COUNT", uuid.New(), nil, time.Time{})
	c.Set(key, NumberResult(150, now), time.Minute)

	r, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "150", r.ToText())

	now = now.Add(59 * time.Second)
	_, ok = c.Get(key)
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok, "an entry is gone at its expiry instant")
	assert.Zero(t, c.Len())
}

func TestResultCache_SkipsUncacheable(t *testing.T) {
	c := NewResultCache()
	key := newCacheKey("A", uuid.New(), nil, time.Time{})

	c.Set(key, NumberResult(1, testNow), 0)
	c.Set(key, ErrorResult(errors.New("boom")), time.Hour)
	assert.Zero(t, c.Len())
}

func TestResultCache_KeyParts(t *testing.T) {
	p := uuid.New()
	base := newCacheKey("Cd4", p, Params{"window": 3}, time.Time{})

	assert.Equal(t, base, newCacheKey("CD4", p, Params{"window": 3}, time.Time{}))
	assert.NotEqual(t, base, newCacheKey("CD4", uuid.New(), Params{"window": 3}, time.Time{}))
	assert.NotEqual(t, base, newCacheKey("CD4", p, Params{"window": 4}, time.Time{}))
	assert.NotEqual(t, base, newCacheKey("CD4", p, Params{"window": 3}, testNow))
}

func TestResultCache_InvalidateAndClear(t *testing.T) {
	c := NewResultCache()
	p := uuid.New()
	c.Set(newCacheKey("A", p, nil, time.Time{}), NumberResult(1, testNow), time.Hour)
	c.Set(newCacheKey("A", p, Params{"x": 1}, time.Time{}), NumberResult(1, testNow), time.Hour)
	c.Set(newCacheKey("B", p, nil, time.Time{}), NumberResult(1, testNow), time.Hour)

	c.Invalidate("a")
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(newCacheKey("B", p, nil, time.Time{}))
	assert.True(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}
