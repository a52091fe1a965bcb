package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zjrosen/ripple/internal/log"
	"github.com/zjrosen/ripple/internal/schema"
	"github.com/zjrosen/ripple/internal/storage"
	"github.com/zjrosen/ripple/internal/tracing"
)

// Collection is a live handle to one registered collection. Mutations go
// through the instance's change-event pipeline so local and remote
// subscribers observe the same stream.
type Collection struct {
	db      *Database
	name    string
	version int
	hash    string
	schema  *schema.Schema

	mu       sync.Mutex
	instance storage.Instance
	closed   bool
}

func (c *Collection) Name() string           { return c.name }
func (c *Collection) Version() int           { return c.version }
func (c *Collection) SchemaHash() string     { return c.hash }
func (c *Collection) Schema() *schema.Schema { return c.schema }

func (c *Collection) storageInstance() (storage.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &InstanceDestroyedError{Database: c.db.config.Name, Operation: "collection." + c.name}
	}
	return c.instance, nil
}

// Insert writes a new document and emits an insert event.
func (c *Collection) Insert(ctx context.Context, doc storage.Document) (storage.Document, error) {
	return c.write(ctx, nil, doc, OpInsert)
}

// Update replaces a stored document. previous must be the state as last
// read; a stale rev surfaces as a conflict from the storage backend.
func (c *Collection) Update(ctx context.Context, previous, doc storage.Document) (storage.Document, error) {
	return c.write(ctx, previous, doc, OpUpdate)
}

// Delete tombstones a stored document and emits a delete event.
func (c *Collection) Delete(ctx context.Context, previous storage.Document) (storage.Document, error) {
	tombstone := previous.Clone()
	tombstone["_deleted"] = true
	return c.write(ctx, previous, tombstone, OpDelete)
}

func (c *Collection) write(ctx context.Context, previous, doc storage.Document, op Operation) (storage.Document, error) {
	instance, err := c.storageInstance()
	if err != nil {
		return nil, err
	}

	result, err := instance.BulkWrite(ctx, []storage.BulkWriteRow{{Previous: previous, Document: doc}})
	if err != nil {
		return nil, fmt.Errorf("writing to collection %q: %w", c.name, err)
	}
	if len(result.Errors) > 0 {
		return nil, result.Errors[0]
	}

	written := result.Success[0]
	c.db.Emit(ChangeEvent{
		InstanceToken: c.db.instanceToken,
		Database:      c.db.config.Name,
		Collection:    c.name,
		Operation:     op,
		DocumentID:    written.ID(),
		Document:      written,
		Previous:      previous,
	})
	return written, nil
}

// FindByID returns the stored documents for the given ids.
func (c *Collection) FindByID(ctx context.Context, ids []string) (map[string]storage.Document, error) {
	instance, err := c.storageInstance()
	if err != nil {
		return nil, err
	}
	return instance.FindDocumentsByID(ctx, ids)
}

// FindAll returns every live document in the collection.
func (c *Collection) FindAll(ctx context.Context) ([]storage.Document, error) {
	instance, err := c.storageInstance()
	if err != nil {
		return nil, err
	}
	return instance.FindAll(ctx)
}

// close releases the handle without touching stored data.
func (c *Collection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.instance.Close()
}

// remove erases the collection's storage, then closes the handle.
func (c *Collection) remove(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.instance.Remove(ctx)
}

// RegisterCollections validates and registers a batch of collections in one
// atomic step: either every collection ends up registered and live, or none
// does. Metadata records are keyed name-version; re-registering the same
// name and version with a different schema hash fails the whole batch.
func (db *Database) RegisterCollections(ctx context.Context, schemas map[string]*schema.Schema) (map[string]*Collection, error) {
	ctx, span := tracing.StartSpan(ctx, "database.RegisterCollections")
	defer span.End()

	if err := db.checkOpen("registerCollections"); err != nil {
		return nil, err
	}

	type candidate struct {
		name   string
		schema *schema.Schema
		hash   string
		id     string
	}

	// Validate everything up front so no storage is provisioned for a batch
	// that cannot register.
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	candidates := make([]candidate, 0, len(names))
	db.mu.Lock()
	for _, name := range names {
		s := schemas[name]
		if strings.HasPrefix(name, "_") {
			db.mu.Unlock()
			return nil, fmt.Errorf("collection name %q is reserved for internal use", name)
		}
		if _, live := db.collections[name]; live {
			db.mu.Unlock()
			return nil, &CollectionAlreadyExistsError{Collection: name}
		}
		if err := s.Validate(); err != nil {
			db.mu.Unlock()
			return nil, fmt.Errorf("invalid schema for collection %q: %w", name, err)
		}
		if s.HasEncryptedFields() && db.config.Password == "" {
			db.mu.Unlock()
			return nil, &EncryptionKeyMissingError{Collection: name}
		}
		hash, err := s.Hash()
		if err != nil {
			db.mu.Unlock()
			return nil, fmt.Errorf("hashing schema for collection %q: %w", name, err)
		}
		candidates = append(candidates, candidate{
			name:   name,
			schema: s,
			hash:   hash,
			id:     metadataID(name, s.Version),
		})
	}
	db.mu.Unlock()

	// One batched metadata fetch for the whole registration.
	ids := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		ids = append(ids, cand.id)
	}
	existing, err := db.meta.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, cand := range candidates {
		record, ok := existing[cand.id]
		if !ok {
			continue
		}
		if record.SchemaHash != cand.hash {
			return nil, &SchemaHashMismatchError{
				Collection:    cand.name,
				Version:       cand.schema.Version,
				ExistingHash:  record.SchemaHash,
				RequestedHash: cand.hash,
			}
		}
	}

	// Provision storage for every collection before committing metadata. On
	// partial failure every already-created instance is closed again.
	instances := make(map[string]storage.Instance, len(candidates))
	cleanup := func() {
		for name, instance := range instances {
			if cerr := instance.Close(); cerr != nil {
				log.ErrorErr(log.CatStorage, "closing storage instance after failed registration", cerr, "collection", name)
			}
		}
	}
	for _, cand := range candidates {
		instance, err := db.config.Adapter.CreateInstance(ctx, db.config.Name, storageCollectionName(cand.name, cand.schema.Version), cand.schema, storage.Options{Password: db.config.Password})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("creating storage for collection %q: %w", cand.name, err)
		}
		instances[cand.name] = instance
	}

	// Commit the new metadata records in one write under the gate. A row
	// conflict means a sibling instance won the race; re-read its record
	// and adopt it when the hash matches.
	err = db.gate.Run(ctx, "registerCollections", func(ctx context.Context) error {
		var fresh []metadataRecord
		for _, cand := range candidates {
			if _, ok := existing[cand.id]; ok {
				continue
			}
			fresh = append(fresh, metadataRecord{
				ID:         cand.id,
				Name:       cand.name,
				Version:    cand.schema.Version,
				SchemaHash: cand.hash,
				Schema:     cand.schema,
			})
		}
		if len(fresh) == 0 {
			return nil
		}

		result, err := db.meta.insertNew(ctx, fresh)
		if err != nil {
			return err
		}
		if len(result.Errors) == 0 {
			for _, record := range fresh {
				db.emitMetadataEvent(OpInsert, record)
			}
			return nil
		}

		conflicted := make([]string, 0, len(result.Errors))
		for _, we := range result.Errors {
			if !we.IsConflict {
				return we
			}
			conflicted = append(conflicted, we.DocumentID)
		}
		theirs, err := db.meta.fetchFresh(ctx, conflicted)
		if err != nil {
			return err
		}
		for _, record := range fresh {
			won := true
			for _, id := range conflicted {
				if id == record.ID {
					won = false
					break
				}
			}
			if won {
				db.emitMetadataEvent(OpInsert, record)
				continue
			}
			winner, ok := theirs[record.ID]
			if !ok {
				return fmt.Errorf("metadata record %q conflicted but cannot be read back", record.ID)
			}
			if winner.SchemaHash != record.SchemaHash {
				return &SchemaHashMismatchError{
					Collection:    record.Name,
					Version:       record.Version,
					ExistingHash:  winner.SchemaHash,
					RequestedHash: record.SchemaHash,
				}
			}
			// Same schema registered concurrently elsewhere; adopt theirs.
			log.Debug(log.CatMeta, "adopting concurrently registered metadata record", "id", record.ID)
		}
		return nil
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	// Install the live handles. A concurrent registration of the same name
	// on this instance loses here.
	registered := make(map[string]*Collection, len(candidates))
	db.mu.Lock()
	for _, cand := range candidates {
		if _, live := db.collections[cand.name]; live {
			db.mu.Unlock()
			cleanup()
			return nil, &CollectionAlreadyExistsError{Collection: cand.name}
		}
	}
	for _, cand := range candidates {
		collection := &Collection{
			db:       db,
			name:     cand.name,
			version:  cand.schema.Version,
			hash:     cand.hash,
			schema:   cand.schema,
			instance: instances[cand.name],
		}
		db.collections[cand.name] = collection
		registered[cand.name] = collection
	}
	db.mu.Unlock()

	log.Info(log.CatDB, "registered collections", "database", db.config.Name, "count", len(registered))
	return registered, nil
}

// Collection returns the live handle for a registered collection name.
func (db *Database) Collection(name string) (*Collection, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.collections[name]
	return c, ok
}

// Collections returns the live collection handles keyed by name.
func (db *Database) Collections() map[string]*Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]*Collection, len(db.collections))
	for name, c := range db.collections {
		out[name] = c
	}
	return out
}

// RemoveCollection erases a collection from durable storage across all its
// historical schema versions. It returns the removed versions in ascending
// order. Removing an unknown collection is a no-op returning no versions.
func (db *Database) RemoveCollection(ctx context.Context, name string) ([]int, error) {
	ctx, span := tracing.StartSpan(ctx, "database.RemoveCollection")
	defer span.End()

	if err := db.checkOpen("removeCollection"); err != nil {
		return nil, err
	}

	return runExclusive(ctx, db.gate, "removeCollection", func(ctx context.Context) ([]int, error) {
		records, err := db.meta.allForCollection(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}

		db.mu.Lock()
		live := db.collections[name]
		delete(db.collections, name)
		db.mu.Unlock()
		if live != nil {
			if err := live.remove(ctx); err != nil {
				return nil, fmt.Errorf("removing live collection %q: %w", name, err)
			}
		}

		if err := db.meta.markDeleted(ctx, records); err != nil {
			return nil, err
		}
		for _, record := range records {
			db.emitMetadataEvent(OpDelete, record)
		}

		versions := make([]int, 0, len(records))
		for _, record := range records {
			// The live handle's storage is already gone via remove above.
			if live != nil && record.Version == live.version {
				versions = append(versions, record.Version)
				continue
			}
			instance, err := db.config.Adapter.CreateInstance(ctx, db.config.Name, storageCollectionName(name, record.Version), record.Schema, storage.Options{Password: db.config.Password})
			if err != nil {
				return nil, fmt.Errorf("opening storage for collection %q version %d: %w", name, record.Version, err)
			}
			if err := instance.Remove(ctx); err != nil {
				return nil, fmt.Errorf("erasing storage for collection %q version %d: %w", name, record.Version, err)
			}
			versions = append(versions, record.Version)
		}
		sort.Ints(versions)

		log.Info(log.CatDB, "removed collection", "database", db.config.Name, "collection", name, "versions", len(versions))
		return versions, nil
	})
}

// emitMetadataEvent publishes an intern event for a bookkeeping write.
func (db *Database) emitMetadataEvent(op Operation, record metadataRecord) {
	db.Emit(ChangeEvent{
		InstanceToken: db.instanceToken,
		Database:      db.config.Name,
		Operation:     op,
		DocumentID:    record.ID,
		Intern:        true,
	})
}
