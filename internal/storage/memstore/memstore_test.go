package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ripple/internal/schema"
	"github.com/zjrosen/ripple/internal/storage"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Title:      "products",
		Version:    0,
		PrimaryKey: "id",
		Properties: map[string]schema.Property{
			"id":   {Type: "string", MaxLength: 100},
			"name": {Type: "string"},
		},
	}
}

func newInstance(t *testing.T) storage.Instance {
	t.Helper()
	adapter := New()
	inst, err := adapter.CreateInstance(context.Background(), "shop", "products", testSchema(), storage.Options{})
	require.NoError(t, err)
	return inst
}

func TestAdapter_RejectsInvalidSchema(t *testing.T) {
	adapter := New()
	bad := testSchema()
	bad.PrimaryKey = ""

	_, err := adapter.CreateInstance(context.Background(), "shop", "products", bad, storage.Options{})
	require.Error(t, err, "the backend must reject schemas it cannot serve")
}

func TestInstance_InsertAndFind(t *testing.T) {
	inst := newInstance(t)
	ctx := context.Background()

	result, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "lamp"}},
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Len(t, result.Success, 1)
	require.NotEmpty(t, result.Success[0].Rev(), "adapter must assign a rev")

	found, err := inst.FindDocumentsByID(ctx, []string{"p1", "nope"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "lamp", found["p1"]["name"])
}

func TestInstance_InsertConflict(t *testing.T) {
	inst := newInstance(t)
	ctx := context.Background()

	_, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "lamp"}},
	})
	require.NoError(t, err)

	result, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "desk"}},
	})
	require.NoError(t, err, "row conflicts must not fail the batch")
	require.Empty(t, result.Success)
	require.NotNil(t, result.ConflictFor("p1"), "duplicate insert must be a per-row conflict")
}

func TestInstance_UpdateRequiresMatchingRev(t *testing.T) {
	inst := newInstance(t)
	ctx := context.Background()

	first, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "lamp"}},
	})
	require.NoError(t, err)
	stored := first.Success[0]

	// Update with the correct previous state succeeds.
	second, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Previous: stored, Document: storage.Document{"id": "p1", "name": "desk"}},
	})
	require.NoError(t, err)
	require.Empty(t, second.Errors)

	// Re-using the stale previous state is a conflict.
	third, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Previous: stored, Document: storage.Document{"id": "p1", "name": "chair"}},
	})
	require.NoError(t, err)
	require.NotNil(t, third.ConflictFor("p1"), "stale rev must conflict")
}

func TestInstance_DeleteTombstoneAllowsReinsert(t *testing.T) {
	inst := newInstance(t)
	ctx := context.Background()

	first, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "lamp"}},
	})
	require.NoError(t, err)

	deleted, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Previous: first.Success[0], Document: storage.Document{"id": "p1", "_deleted": true}},
	})
	require.NoError(t, err)
	require.Empty(t, deleted.Errors)

	found, err := inst.FindDocumentsByID(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Empty(t, found, "tombstones are not returned by reads")

	again, err := inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "lamp v2"}},
	})
	require.NoError(t, err)
	require.Empty(t, again.Errors, "insert over a tombstone is allowed")
}

func TestInstance_SharedStoreBetweenHandles(t *testing.T) {
	adapter := New()
	ctx := context.Background()

	one, err := adapter.CreateInstance(ctx, "shop", "products", testSchema(), storage.Options{})
	require.NoError(t, err)
	two, err := adapter.CreateInstance(ctx, "shop", "products", testSchema(), storage.Options{})
	require.NoError(t, err)

	_, err = one.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "lamp"}},
	})
	require.NoError(t, err)

	found, err := two.FindDocumentsByID(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Len(t, found, 1, "handles of the same name must share data")
}

func TestInstance_ChangesStream(t *testing.T) {
	adapter := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := adapter.CreateInstance(ctx, "shop", "products", testSchema(), storage.Options{})
	require.NoError(t, err)
	reader, err := adapter.CreateInstance(ctx, "shop", "products", testSchema(), storage.Options{})
	require.NoError(t, err)

	changes := reader.Changes(ctx)

	_, err = writer.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "lamp"}},
	})
	require.NoError(t, err)

	select {
	case n := <-changes:
		require.Equal(t, storage.NotificationInsert, n.Kind)
		require.Equal(t, "p1", n.DocumentID)
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for change notification")
	}
}

func TestInstance_RemoveErasesData(t *testing.T) {
	adapter := New()
	ctx := context.Background()

	inst, err := adapter.CreateInstance(ctx, "shop", "products", testSchema(), storage.Options{})
	require.NoError(t, err)

	_, err = inst.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "p1", "name": "lamp"}},
	})
	require.NoError(t, err)

	require.NoError(t, inst.Remove(ctx))

	_, err = inst.FindAll(ctx)
	require.ErrorIs(t, err, storage.ErrClosed, "removed instance is closed")

	fresh, err := adapter.CreateInstance(ctx, "shop", "products", testSchema(), storage.Options{})
	require.NoError(t, err)
	docs, err := fresh.FindAll(ctx)
	require.NoError(t, err)
	require.Empty(t, docs, "a fresh open after remove starts empty")
}

func TestKeyObjectInstance_RoundTrip(t *testing.T) {
	adapter := New()
	ctx := context.Background()

	kv, err := adapter.CreateKeyObjectInstance(ctx, "shop", "", storage.Options{})
	require.NoError(t, err)

	result, err := kv.BulkWrite(ctx, []storage.BulkWriteRow{
		{Document: storage.Document{"id": "storageToken", "value": "tok-1"}},
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	found, err := kv.FindByID(ctx, []string{"storageToken"})
	require.NoError(t, err)
	require.Equal(t, "tok-1", found["storageToken"]["value"])
}
