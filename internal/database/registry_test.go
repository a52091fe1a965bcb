package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityRegistry_ReserveAndRelease(t *testing.T) {
	r := &identityRegistry{reserved: make(map[string]int)}

	require.NoError(t, r.reserve("shop", "memory", false))
	require.Equal(t, 1, r.count("shop", "memory"))

	r.release("shop", "memory")
	require.Equal(t, 0, r.count("shop", "memory"))
}

func TestIdentityRegistry_DuplicateRejected(t *testing.T) {
	r := &identityRegistry{reserved: make(map[string]int)}

	require.NoError(t, r.reserve("shop", "memory", false))

	err := r.reserve("shop", "memory", false)
	var dup *DuplicateInstanceError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "shop", dup.Name)
	require.Equal(t, "memory", dup.Backend)

	// A failed reservation records nothing.
	require.Equal(t, 1, r.count("shop", "memory"))
}

func TestIdentityRegistry_SameNameDifferentBackend(t *testing.T) {
	r := &identityRegistry{reserved: make(map[string]int)}

	require.NoError(t, r.reserve("shop", "memory", false))
	require.NoError(t, r.reserve("shop", "sqlite", false))
}

func TestIdentityRegistry_DuplicatesStackAndUnwind(t *testing.T) {
	r := &identityRegistry{reserved: make(map[string]int)}

	require.NoError(t, r.reserve("shop", "memory", false))
	require.NoError(t, r.reserve("shop", "memory", true))
	require.Equal(t, 2, r.count("shop", "memory"))

	r.release("shop", "memory")
	require.Equal(t, 1, r.count("shop", "memory"))

	// The pair is still reserved until the last release.
	err := r.reserve("shop", "memory", false)
	require.Error(t, err)

	r.release("shop", "memory")
	require.Equal(t, 0, r.count("shop", "memory"))
	require.NoError(t, r.reserve("shop", "memory", false))
}

func TestIdentityRegistry_ReleaseAbsentPairIsNoop(t *testing.T) {
	r := &identityRegistry{reserved: make(map[string]int)}
	require.NotPanics(t, func() { r.release("ghost", "memory") })
}
