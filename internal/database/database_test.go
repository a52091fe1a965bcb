package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ripple/internal/schema"
	"github.com/zjrosen/ripple/internal/storage"
	"github.com/zjrosen/ripple/internal/storage/memstore"
)

func heroSchema() *schema.Schema {
	return &schema.Schema{
		Title:      "heroes",
		Version:    0,
		PrimaryKey: "id",
		Properties: map[string]schema.Property{
			"id":    {Type: "string", MaxLength: 128},
			"name":  {Type: "string"},
			"color": {Type: "string"},
		},
	}
}

func openTestDB(t *testing.T, name string, adapter storage.Adapter) *Database {
	t.Helper()
	db, err := Open(context.Background(), DefaultConfig(name, adapter))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = db.Destroy(context.Background()) })
	return db
}

func TestOpen_Lifecycle(t *testing.T) {
	adapter := memstore.New()
	db := openTestDB(t, "shop", adapter)

	require.Equal(t, "shop", db.Name())
	require.NotEmpty(t, db.InstanceToken())
	require.NotEmpty(t, db.StorageToken())
	require.False(t, db.Destroyed())

	first, err := db.Destroy(context.Background())
	require.NoError(t, err)
	require.True(t, first)
	require.True(t, db.Destroyed())

	second, err := db.Destroy(context.Background())
	require.NoError(t, err)
	require.False(t, second, "destroy is idempotent")

	// The identity is released exactly once despite the second destroy.
	require.Equal(t, 0, registry.count("shop", adapter.Name()))
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{Adapter: memstore.New()})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Name: "shop"})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Name: "bad|name", Adapter: memstore.New()})
	require.Error(t, err)
}

func TestOpen_DuplicateInstance(t *testing.T) {
	adapter := memstore.New()
	openTestDB(t, "dup", adapter)

	_, err := Open(context.Background(), DefaultConfig("dup", adapter))
	var dup *DuplicateInstanceError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "dup", dup.Name)

	cfg := DefaultConfig("dup", adapter)
	cfg.IgnoreDuplicate = true
	db2, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = db2.Destroy(context.Background()) })
}

type failingProbeAdapter struct {
	*memstore.Adapter
	reason error
}

func (a *failingProbeAdapter) Probe(ctx context.Context) error { return a.reason }

func TestOpen_UnsupportedBackend(t *testing.T) {
	reason := errors.New("no filesystem access")
	adapter := &failingProbeAdapter{Adapter: memstore.New(), reason: reason}

	_, err := Open(context.Background(), DefaultConfig("shop", adapter))
	var unsupported *UnsupportedBackendError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, "memory", unsupported.Backend)
	require.ErrorIs(t, err, reason)

	// A failed open leaves no reservation behind.
	require.Equal(t, 0, registry.count("shop", "memory"))
}

func TestStorageToken_SharedAcrossSequentialOpens(t *testing.T) {
	adapter := memstore.New()

	db1 := openTestDB(t, "tokens", adapter)
	token := db1.StorageToken()
	_, err := db1.Destroy(context.Background())
	require.NoError(t, err)

	// The token is durable: a later instance on the same storage reads the
	// same value instead of minting a new one.
	db2 := openTestDB(t, "tokens", adapter)
	require.Equal(t, token, db2.StorageToken())
}

func TestStorageToken_DistinctPerStorage(t *testing.T) {
	db1 := openTestDB(t, "alpha", memstore.New())
	db2 := openTestDB(t, "beta", memstore.New())
	require.NotEqual(t, db1.StorageToken(), db2.StorageToken())
}

func TestDestroy_RefusesFurtherOperations(t *testing.T) {
	db := openTestDB(t, "closing", memstore.New())
	_, err := db.Destroy(context.Background())
	require.NoError(t, err)

	_, err = db.RegisterCollections(context.Background(), map[string]*schema.Schema{"heroes": heroSchema()})
	var destroyed *InstanceDestroyedError
	require.ErrorAs(t, err, &destroyed)

	err = db.RunExclusive(context.Background(), "late", func(ctx context.Context) error { return nil })
	require.ErrorAs(t, err, &destroyed)
}

func TestRemove_ErasesDurableState(t *testing.T) {
	adapter := memstore.New()

	db := openTestDB(t, "wipe", adapter)
	token := db.StorageToken()

	collections, err := db.RegisterCollections(context.Background(), map[string]*schema.Schema{"heroes": heroSchema()})
	require.NoError(t, err)
	_, err = collections["heroes"].Insert(context.Background(), storage.Document{"id": "h1", "name": "iris"})
	require.NoError(t, err)

	require.NoError(t, db.Remove(context.Background()))
	require.True(t, db.Destroyed())

	// A fresh open on the same physical storage starts from nothing: a new
	// storage token and no registered collection data.
	db2 := openTestDB(t, "wipe", adapter)
	require.NotEqual(t, token, db2.StorageToken())

	collections2, err := db2.RegisterCollections(context.Background(), map[string]*schema.Schema{"heroes": heroSchema()})
	require.NoError(t, err)
	docs, err := collections2["heroes"].FindAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestRemoveDatabase_WithoutOpenInstance(t *testing.T) {
	adapter := memstore.New()

	db := openTestDB(t, "offline", adapter)
	collections, err := db.RegisterCollections(context.Background(), map[string]*schema.Schema{"heroes": heroSchema()})
	require.NoError(t, err)
	_, err = collections["heroes"].Insert(context.Background(), storage.Document{"id": "h1", "name": "iris"})
	require.NoError(t, err)
	_, err = db.Destroy(context.Background())
	require.NoError(t, err)

	require.NoError(t, RemoveDatabase(context.Background(), "offline", adapter))

	db2 := openTestDB(t, "offline", adapter)
	collections2, err := db2.RegisterCollections(context.Background(), map[string]*schema.Schema{"heroes": heroSchema()})
	require.NoError(t, err)
	docs, err := collections2["heroes"].FindAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestRunExclusive_SerializesWithGate(t *testing.T) {
	db := openTestDB(t, "exclusive", memstore.New())

	ran := false
	err := db.RunExclusive(context.Background(), "custom", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestIsDatabase(t *testing.T) {
	db := openTestDB(t, "typed", memstore.New())
	require.True(t, IsDatabase(db))
	require.False(t, IsDatabase("shop"))
	require.False(t, IsDatabase(nil))
}
