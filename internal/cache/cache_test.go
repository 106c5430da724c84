package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	OEE   float64 `json:"oee"`
	Label string  `json:"label"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), &Config{Addr: mr.Addr(), Enabled: true, TTL: 30 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestCacheDisabled(t *testing.T) {
	c, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())

	var out payload
	assert.True(t, IsMiss(c.Get(context.Background(), "k", &out)))
	assert.NoError(t, c.Set(context.Background(), "k", payload{}))
	assert.NoError(t, c.DeletePattern(context.Background(), "*"))
	assert.NoError(t, c.Close())
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		prefix   string
		parts    []string
		expected string
	}{
		{"oeesense", []string{"overview", "line:l-1", "2026-03-01"}, "oeesense:overview:line:l-1:2026-03-01"},
		{"oeesense", []string{"trend"}, "oeesense:trend"},
		{"myapp", []string{"test", "key"}, "myapp:test:key"},
	}

	for _, tt := range tests {
		c := &Cache{keyPrefix: tt.prefix}
		assert.Equal(t, tt.expected, c.Key(tt.parts...))
	}
}

func TestCache_DefaultPrefixAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), &Config{Addr: mr.Addr(), Enabled: true})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "oeesense:x", c.Key("x"))
	assert.Equal(t, DefaultTTL, c.TTL())
}

func TestCache_SetGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := c.Key("overview", "global")

	var out payload
	assert.True(t, IsMiss(c.Get(ctx, key, &out)))

	require.NoError(t, c.Set(ctx, key, payload{OEE: 72.5, Label: "global"}))
	require.NoError(t, c.Get(ctx, key, &out))
	assert.Equal(t, payload{OEE: 72.5, Label: "global"}, out)
	assert.Equal(t, 30*time.Second, mr.TTL(key))

	mr.FastForward(31 * time.Second)
	assert.True(t, IsMiss(c.Get(ctx, key, &out)))
}

func TestCache_DeletePattern(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, c.Key("overview", "m-1"), 1))
	require.NoError(t, c.Set(ctx, c.Key("trend", "m-1"), 2))
	require.NoError(t, c.Set(ctx, c.Key("overview", "m-2"), 3))

	require.NoError(t, c.DeletePattern(ctx, c.Key("overview", "*")))

	assert.False(t, mr.Exists(c.Key("overview", "m-1")))
	assert.False(t, mr.Exists(c.Key("overview", "m-2")))
	assert.True(t, mr.Exists(c.Key("trend", "m-1")))
}

func TestCache_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), &Config{Addr: addr, Enabled: true})
	assert.Error(t, err)
}

func TestCache_CorruptValue(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set(c.Key("bad"), "{not json"))

	var out payload
	err := c.Get(context.Background(), c.Key("bad"), &out)
	assert.Error(t, err)
	assert.False(t, IsMiss(err))
}
