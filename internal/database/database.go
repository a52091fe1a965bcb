// Package database implements the orchestration core of an embedded,
// reactive document database: instance lifecycle, the process-wide identity
// registry, the concurrency gate serializing administrative operations,
// the durable collection-metadata registry, and cross-instance change-event
// propagation over a broadcast channel.
package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/ripple/internal/broadcast"
	"github.com/zjrosen/ripple/internal/log"
	"github.com/zjrosen/ripple/internal/pubsub"
	"github.com/zjrosen/ripple/internal/storage"
	"github.com/zjrosen/ripple/internal/tracing"
)

// storageTokenKey is the id of the key-object document holding the durable
// storage token.
const storageTokenKey = "storageToken"

// Database is one live instance. Several instances of the same logical
// database may coexist (in this process with IgnoreDuplicate, or in other
// processes); they share durable state through the storage backend and
// exchange change events over the broadcast channel.
type Database struct {
	config Config

	// instanceToken identifies this runtime instance; a fresh uuid per open.
	instanceToken string

	// storageToken identifies the durable storage itself. Created once by
	// the first instance ever to open the database and read by the rest.
	storageToken string

	gate    *gate
	meta    *metadataStore
	local   storage.KeyObjectInstance
	channel broadcast.Channel
	broker  *pubsub.Broker[ChangeEvent]

	cancelSubs context.CancelFunc

	mu          sync.Mutex
	collections map[string]*Collection
	destroyed   bool
}

// Open constructs a database instance: it probes the backend, reserves the
// process-wide identity, provisions the internal metadata and local stores,
// reconciles the durable storage token and, for multi-instance databases,
// joins the broadcast channel. On any failure everything already acquired
// is released again.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	ctx, span := tracing.StartSpan(ctx, "database.Open")
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.Adapter.Probe(ctx); err != nil {
		return nil, &UnsupportedBackendError{Backend: cfg.Adapter.Name(), Reason: err}
	}

	if err := registry.reserve(cfg.Name, cfg.Adapter.Name(), cfg.IgnoreDuplicate); err != nil {
		return nil, err
	}

	db := &Database{
		config:        cfg,
		instanceToken: uuid.NewString(),
		gate:          newGate(cfg.Name),
		broker:        pubsub.NewBroker[ChangeEvent](),
		collections:   make(map[string]*Collection),
	}

	fail := func(err error) (*Database, error) {
		db.teardown(context.Background())
		registry.release(cfg.Name, cfg.Adapter.Name())
		return nil, err
	}

	opts := storage.Options{Password: cfg.Password}
	metaInstance, err := cfg.Adapter.CreateInstance(ctx, cfg.Name, MetaCollectionName, metadataSchema(), opts)
	if err != nil {
		return fail(fmt.Errorf("creating metadata store: %w", err))
	}
	db.meta = newMetadataStore(metaInstance)

	db.local, err = cfg.Adapter.CreateKeyObjectInstance(ctx, cfg.Name, LocalNamespace, opts)
	if err != nil {
		return fail(fmt.Errorf("creating local store: %w", err))
	}

	if err := db.ensureStorageToken(ctx); err != nil {
		return fail(err)
	}

	if cfg.MultiInstance {
		if err := db.joinBroadcast(ctx); err != nil {
			return fail(err)
		}
	}

	log.Info(log.CatDB, "opened database",
		"name", cfg.Name,
		"backend", cfg.Adapter.Name(),
		"multiInstance", cfg.MultiInstance,
		"instanceToken", db.instanceToken,
	)
	return db, nil
}

// ensureStorageToken reads the durable storage token, creating it when this
// is the first instance ever to open the database. Creation races between
// instances are settled by storage conflict detection: the loser adopts the
// winner's token.
func (db *Database) ensureStorageToken(ctx context.Context) error {
	return db.gate.Run(ctx, "ensureStorageToken", func(ctx context.Context) error {
		stored, err := db.local.FindByID(ctx, []string{storageTokenKey})
		if err != nil {
			return fmt.Errorf("reading storage token: %w", err)
		}
		if doc, ok := stored[storageTokenKey]; ok {
			db.storageToken, _ = doc["token"].(string)
			if db.storageToken == "" {
				return fmt.Errorf("storage token document %q holds no token", storageTokenKey)
			}
			return nil
		}

		token := uuid.NewString()
		result, err := db.local.BulkWrite(ctx, []storage.BulkWriteRow{{
			Document: storage.Document{"id": storageTokenKey, "token": token},
		}})
		if err != nil {
			return fmt.Errorf("writing storage token: %w", err)
		}
		if len(result.Errors) == 0 {
			db.storageToken = token
			db.emitTokenEvent()
			return nil
		}
		if we := result.ConflictFor(storageTokenKey); we == nil {
			return result.Errors[0]
		}

		// Lost the creation race; adopt the winner's token.
		stored, err = db.local.FindByID(ctx, []string{storageTokenKey})
		if err != nil {
			return fmt.Errorf("re-reading storage token after conflict: %w", err)
		}
		doc, ok := stored[storageTokenKey]
		if !ok {
			return fmt.Errorf("storage token conflicted but cannot be read back")
		}
		db.storageToken, _ = doc["token"].(string)
		if db.storageToken == "" {
			return fmt.Errorf("storage token document %q holds no token", storageTokenKey)
		}
		log.Debug(log.CatDB, "adopted concurrently created storage token", "database", db.config.Name)
		return nil
	})
}

// joinBroadcast opens the cross-instance channel and starts the receive
// pump. The file transport reaches other OS processes; the in-process
// transport only reaches siblings in this one.
func (db *Database) joinBroadcast(ctx context.Context) error {
	var channel broadcast.Channel
	if db.config.BroadcastDir != "" {
		fc, err := broadcast.OpenFile(db.config.BroadcastDir, db.config.Name)
		if err != nil {
			return fmt.Errorf("joining broadcast channel: %w", err)
		}
		channel = fc
	} else {
		channel = broadcast.OpenMem(db.config.Name)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	db.mu.Lock()
	db.channel = channel
	db.cancelSubs = cancel
	db.mu.Unlock()

	go db.receiveLoop(subCtx, channel)
	return nil
}

func (db *Database) emitTokenEvent() {
	db.Emit(ChangeEvent{
		InstanceToken: db.instanceToken,
		Database:      db.config.Name,
		Operation:     OpInsert,
		DocumentID:    storageTokenKey,
		Intern:        true,
	})
}

// Name returns the logical database name.
func (db *Database) Name() string { return db.config.Name }

// InstanceToken returns this instance's runtime identity.
func (db *Database) InstanceToken() string { return db.instanceToken }

// StorageToken returns the durable storage identity shared by every
// instance of this database.
func (db *Database) StorageToken() string { return db.storageToken }

// Destroyed reports whether the instance has been destroyed.
func (db *Database) Destroyed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.destroyed
}

func (db *Database) checkOpen(operation string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.destroyed {
		return &InstanceDestroyedError{Database: db.config.Name, Operation: operation}
	}
	return nil
}

// RunExclusive runs fn serialized behind every other administrative
// operation of this instance.
func (db *Database) RunExclusive(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := db.checkOpen(name); err != nil {
		return err
	}
	return db.gate.Run(ctx, name, fn)
}

// Destroy releases the instance: pending gate operations drain, live
// collection handles close (durable data stays), the broadcast channel and
// event broker shut down, and the identity reservation is released. The
// first call reports true; later calls report false and do nothing, so the
// reservation is never released twice.
func (db *Database) Destroy(ctx context.Context) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "database.Destroy")
	defer span.End()

	db.mu.Lock()
	if db.destroyed {
		db.mu.Unlock()
		return false, nil
	}
	db.destroyed = true
	db.mu.Unlock()

	// Let in-flight work settle before tearing resources down.
	if err := db.gate.Idle(ctx); err != nil {
		log.ErrorErr(log.CatDB, "waiting for idle during destroy", err, "database", db.config.Name)
	}

	err := db.teardown(ctx)
	registry.release(db.config.Name, db.config.Adapter.Name())
	log.Info(log.CatDB, "destroyed database", "name", db.config.Name)
	return true, err
}

// teardown closes everything the instance holds. Safe on a partially
// constructed instance; each nil member is skipped.
func (db *Database) teardown(ctx context.Context) error {
	var errs []error

	db.mu.Lock()
	cancel := db.cancelSubs
	channel := db.channel
	collections := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		collections = append(collections, c)
	}
	db.collections = make(map[string]*Collection)
	db.cancelSubs = nil
	db.channel = nil
	db.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	db.gate.Close()

	var wg sync.WaitGroup
	closeErrs := make([]error, len(collections))
	for i, c := range collections {
		wg.Add(1)
		go func(i int, c *Collection) {
			defer wg.Done()
			closeErrs[i] = c.close()
		}(i, c)
	}
	wg.Wait()
	for _, err := range closeErrs {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// meta and local stay set after closing: a racing reader that slipped
	// past the destroyed check gets ErrClosed instead of a nil dereference.
	if db.meta != nil {
		if err := db.meta.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if db.local != nil {
		if err := db.local.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	db.broker.Close()

	return errors.Join(errs...)
}

// Remove destroys this instance and then erases the database's durable
// state: every collection across all schema versions, the metadata store
// and the local store.
func (db *Database) Remove(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "database.Remove")
	defer span.End()

	if err := db.checkOpen("remove"); err != nil {
		return err
	}

	name := db.config.Name
	adapter := db.config.Adapter
	password := db.config.Password

	if _, err := db.Destroy(ctx); err != nil {
		return err
	}
	return removeDatabaseStorage(ctx, name, adapter, password)
}

// RemoveDatabase erases a database's durable state without an open
// instance: it reads the metadata registry, removes every collection's
// storage across all schema versions, then removes the metadata and local
// stores themselves.
func RemoveDatabase(ctx context.Context, name string, adapter storage.Adapter) error {
	ctx, span := tracing.StartSpan(ctx, "database.RemoveDatabase")
	defer span.End()

	if err := adapter.Probe(ctx); err != nil {
		return &UnsupportedBackendError{Backend: adapter.Name(), Reason: err}
	}
	return removeDatabaseStorage(ctx, name, adapter, "")
}

func removeDatabaseStorage(ctx context.Context, name string, adapter storage.Adapter, password string) error {
	opts := storage.Options{Password: password}

	metaInstance, err := adapter.CreateInstance(ctx, name, MetaCollectionName, metadataSchema(), opts)
	if err != nil {
		return fmt.Errorf("opening metadata store for removal: %w", err)
	}
	meta := newMetadataStore(metaInstance)

	records, err := meta.all(ctx)
	if err != nil {
		_ = meta.close()
		return err
	}
	for _, record := range records {
		instance, err := adapter.CreateInstance(ctx, name, storageCollectionName(record.Name, record.Version), record.Schema, opts)
		if err != nil {
			_ = meta.close()
			return fmt.Errorf("opening storage for collection %q version %d: %w", record.Name, record.Version, err)
		}
		if err := instance.Remove(ctx); err != nil {
			_ = meta.close()
			return fmt.Errorf("erasing storage for collection %q version %d: %w", record.Name, record.Version, err)
		}
	}

	if err := metaInstance.Remove(ctx); err != nil {
		return fmt.Errorf("erasing metadata store: %w", err)
	}

	local, err := adapter.CreateKeyObjectInstance(ctx, name, LocalNamespace, opts)
	if err != nil {
		return fmt.Errorf("opening local store for removal: %w", err)
	}
	if err := local.Remove(ctx); err != nil {
		return fmt.Errorf("erasing local store: %w", err)
	}

	log.Info(log.CatDB, "removed database storage", "name", name, "collections", len(records))
	return nil
}

// CollectionInfo describes one registered collection version as recorded
// in the metadata registry.
type CollectionInfo struct {
	Name       string
	Version    int
	SchemaHash string
}

// CollectionInfos lists every registered collection version, live or not.
func (db *Database) CollectionInfos(ctx context.Context) ([]CollectionInfo, error) {
	if err := db.checkOpen("collectionInfos"); err != nil {
		return nil, err
	}
	records, err := db.meta.all(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]CollectionInfo, 0, len(records))
	for _, record := range records {
		infos = append(infos, CollectionInfo{
			Name:       record.Name,
			Version:    record.Version,
			SchemaHash: record.SchemaHash,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Version < infos[j].Version
	})
	return infos, nil
}

// IsDatabase reports whether v is a database instance. Mirrors the
// defensive checks callers perform before passing values across API
// boundaries.
func IsDatabase(v any) bool {
	_, ok := v.(*Database)
	return ok
}
