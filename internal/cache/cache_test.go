package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemory_GetSet(t *testing.T) {
	c := NewInMemory[string]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	_, found := c.Get(ctx, "missing")
	require.False(t, found, "missing key should not be found")

	c.Set(ctx, "a", "hello", time.Minute)
	v, found := c.Get(ctx, "a")
	require.True(t, found)
	require.Equal(t, "hello", v)
}

func TestInMemory_GetMultiple(t *testing.T) {
	c := NewInMemory[int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "c", 3, time.Minute)

	values, missing := c.GetMultiple(ctx, []string{"a", "b", "c"})
	require.Equal(t, map[string]int{"a": 1, "c": 3}, values)
	require.Equal(t, []string{"b"}, missing, "unknown keys should be reported as missing")
}

func TestInMemory_Delete(t *testing.T) {
	c := NewInMemory[int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	c.Delete(ctx, "a", "b")

	_, found := c.Get(ctx, "a")
	require.False(t, found)
	_, found = c.Get(ctx, "b")
	require.False(t, found)
}

func TestInMemory_Expiration(t *testing.T) {
	c := NewInMemory[int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	c.Set(ctx, "a", 1, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, found := c.Get(ctx, "a")
		return !found
	}, time.Second, 5*time.Millisecond, "entry should expire after its TTL")
}

func TestInMemory_Flush(t *testing.T) {
	c := NewInMemory[int]("test", DefaultExpiration, DefaultCleanupInterval)
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	c.Flush(ctx)

	_, found := c.Get(ctx, "a")
	require.False(t, found)
}
