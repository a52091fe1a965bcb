// Package sqlitestore provides a sqlite-backed storage adapter. One sqlite
// file holds one logical database; all collections share a documents table
// keyed by (collection, id), key-object namespaces share a keyobjects
// table. The driver is ncruces/go-sqlite3 (pure Go, wasm), so the adapter
// works without cgo.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the sqlite wasm binary

	"github.com/zjrosen/ripple/internal/log"
	"github.com/zjrosen/ripple/internal/pubsub"
	"github.com/zjrosen/ripple/internal/schema"
	"github.com/zjrosen/ripple/internal/storage"
)

// Adapter is a sqlite storage backend rooted at a data directory.
type Adapter struct {
	dataDir string

	mu      sync.Mutex
	handles map[string]*dbHandle
}

// dbHandle is the shared per-database connection plus the change brokers
// for every store inside that database file.
type dbHandle struct {
	conn    *sql.DB
	brokers map[string]*pubsub.Broker[storage.ChangeNotification]
}

// New creates a sqlite adapter. Database files are created under dataDir
// on first use.
func New(dataDir string) *Adapter {
	return &Adapter{
		dataDir: dataDir,
		handles: make(map[string]*dbHandle),
	}
}

var _ storage.Adapter = (*Adapter)(nil)

// Name implements storage.Adapter.
func (a *Adapter) Name() string { return "sqlite" }

// Probe verifies the data directory is writable and the driver can open a
// database file in it.
func (a *Adapter) Probe(ctx context.Context) error {
	if err := os.MkdirAll(a.dataDir, 0700); err != nil {
		return fmt.Errorf("data directory not writable: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+filepath.Join(a.dataDir, ".probe.db"))
	if err != nil {
		return fmt.Errorf("opening probe database: %w", err)
	}
	defer conn.Close()
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging probe database: %w", err)
	}
	return nil
}

// CreateInstance implements storage.Adapter.
func (a *Adapter) CreateInstance(ctx context.Context, databaseName, collectionName string, s *schema.Schema, opts storage.Options) (storage.Instance, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("sqlitestore rejecting schema: %w", err)
	}
	handle, err := a.handle(ctx, databaseName)
	if err != nil {
		return nil, err
	}
	return &instance{
		conn:       handle.conn,
		broker:     a.broker(handle, "doc:"+collectionName),
		table:      "documents",
		scopeCol:   "collection",
		scope:      collectionName,
		collection: collectionName,
		schema:     s,
	}, nil
}

// CreateKeyObjectInstance implements storage.Adapter.
func (a *Adapter) CreateKeyObjectInstance(ctx context.Context, databaseName, namespace string, opts storage.Options) (storage.KeyObjectInstance, error) {
	handle, err := a.handle(ctx, databaseName)
	if err != nil {
		return nil, err
	}
	return &instance{
		conn:     handle.conn,
		broker:   a.broker(handle, "kv:"+namespace),
		table:    "keyobjects",
		scopeCol: "namespace",
		scope:    namespace,
	}, nil
}

// Close closes every open database connection. Instances created by the
// adapter become unusable.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for name, handle := range a.handles {
		for _, broker := range handle.brokers {
			broker.Close()
		}
		if err := handle.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.handles, name)
	}
	return firstErr
}

// Path returns the sqlite file path backing a logical database.
func (a *Adapter) Path(databaseName string) string {
	return filepath.Join(a.dataDir, databaseName+".db")
}

func (a *Adapter) handle(ctx context.Context, databaseName string) (*dbHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if handle, ok := a.handles[databaseName]; ok {
		return handle, nil
	}

	if err := os.MkdirAll(a.dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := a.Path(databaseName)
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging %s: %w", path, err)
	}
	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug(log.CatStorage, "opened sqlite database", "path", path)

	handle := &dbHandle{
		conn:    conn,
		brokers: make(map[string]*pubsub.Broker[storage.ChangeNotification]),
	}
	a.handles[databaseName] = handle
	return handle, nil
}

func (a *Adapter) broker(handle *dbHandle, key string) *pubsub.Broker[storage.ChangeNotification] {
	a.mu.Lock()
	defer a.mu.Unlock()
	broker, ok := handle.brokers[key]
	if !ok {
		broker = pubsub.NewBroker[storage.ChangeNotification]()
		handle.brokers[key] = broker
	}
	return broker
}
