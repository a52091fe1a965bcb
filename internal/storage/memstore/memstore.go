// Package memstore provides an in-memory storage adapter. All handles
// created by the same Adapter value for the same (database, collection)
// pair share one backing store, which models several database instances
// opening the same logical storage. Data does not survive the process.
package memstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/ripple/internal/pubsub"
	"github.com/zjrosen/ripple/internal/schema"
	"github.com/zjrosen/ripple/internal/storage"
)

// DefaultName is the adapter name reported when none is configured.
const DefaultName = "memory"

// Adapter is an in-memory storage backend. The zero value is not usable;
// construct with New.
type Adapter struct {
	name string

	mu     sync.Mutex
	stores map[string]*store
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithName overrides the adapter name. Two adapters with the same name are
// still distinct physical storages; the name only feeds the identity
// registry key.
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// New creates an empty in-memory adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		name:   DefaultName,
		stores: make(map[string]*store),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ storage.Adapter = (*Adapter)(nil)

// Name implements storage.Adapter.
func (a *Adapter) Name() string { return a.name }

// Probe implements storage.Adapter. Memory storage is always available.
func (a *Adapter) Probe(ctx context.Context) error { return nil }

// CreateInstance implements storage.Adapter.
func (a *Adapter) CreateInstance(ctx context.Context, databaseName, collectionName string, s *schema.Schema, opts storage.Options) (storage.Instance, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("memstore rejecting schema: %w", err)
	}
	st := a.store("doc:" + databaseName + "/" + collectionName)
	return &instance{
		store:      st,
		collection: collectionName,
		schema:     s,
	}, nil
}

// CreateKeyObjectInstance implements storage.Adapter.
func (a *Adapter) CreateKeyObjectInstance(ctx context.Context, databaseName, namespace string, opts storage.Options) (storage.KeyObjectInstance, error) {
	st := a.store("kv:" + databaseName + "/" + namespace)
	return &instance{store: st}, nil
}

func (a *Adapter) store(key string) *store {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.stores[key]
	if !ok {
		st = &store{
			key:     key,
			adapter: a,
			docs:    make(map[string]storage.Document),
			broker:  pubsub.NewBroker[storage.ChangeNotification](),
		}
		a.stores[key] = st
	}
	return st
}

func (a *Adapter) drop(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stores, key)
}

// store is the shared backing state for one (database, collection) pair.
// All instance handles pointing at the same pair share it.
type store struct {
	key     string
	adapter *Adapter

	mu     sync.Mutex
	docs   map[string]storage.Document
	broker *pubsub.Broker[storage.ChangeNotification]
}

// instance is one handle onto a store. Doubles as the key-object handle,
// which is the same machinery without a schema.
type instance struct {
	store      *store
	collection string
	schema     *schema.Schema

	mu     sync.Mutex
	closed bool
}

var _ storage.Instance = (*instance)(nil)
var _ storage.KeyObjectInstance = (*instance)(nil)

func (i *instance) Collection() string     { return i.collection }
func (i *instance) Schema() *schema.Schema { return i.schema }

func (i *instance) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// BulkWrite applies each row independently with rev-checked conflict
// detection, then notifies the shared change stream.
func (i *instance) BulkWrite(ctx context.Context, rows []storage.BulkWriteRow) (storage.BulkWriteResult, error) {
	if i.isClosed() {
		return storage.BulkWriteResult{}, storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return storage.BulkWriteResult{}, err
	}

	var result storage.BulkWriteResult
	var notifications []storage.ChangeNotification

	i.store.mu.Lock()
	for _, row := range rows {
		id := row.Document.ID()
		if id == "" {
			result.Errors = append(result.Errors, &storage.WriteError{
				DocumentID: id,
				Err:        fmt.Errorf("document has no id"),
			})
			continue
		}

		existing, exists := i.store.docs[id]
		live := exists && !existing.Deleted()

		if row.Previous == nil {
			if live {
				result.Errors = append(result.Errors, &storage.WriteError{
					DocumentID: id,
					IsConflict: true,
					Err:        fmt.Errorf("document already exists with rev %s", existing.Rev()),
				})
				continue
			}
		} else if !exists || existing.Rev() != row.Previous.Rev() {
			storedRev := ""
			if exists {
				storedRev = existing.Rev()
			}
			result.Errors = append(result.Errors, &storage.WriteError{
				DocumentID: id,
				IsConflict: true,
				Err:        fmt.Errorf("expected rev %s, stored rev %s", row.Previous.Rev(), storedRev),
			})
			continue
		}

		doc := row.Document.Clone()
		doc["_rev"] = nextRev(existing.Rev())
		i.store.docs[id] = doc
		result.Success = append(result.Success, doc)

		kind := storage.NotificationInsert
		var previous storage.Document
		if live {
			previous = existing
			kind = storage.NotificationUpdate
			if doc.Deleted() {
				kind = storage.NotificationDelete
			}
		}
		notifications = append(notifications, storage.ChangeNotification{
			Kind:       kind,
			DocumentID: id,
			Document:   doc,
			Previous:   previous,
		})
	}
	i.store.mu.Unlock()

	for _, n := range notifications {
		i.store.broker.Publish(pubsub.EventType(n.Kind), n)
	}

	return result, nil
}

// FindDocumentsByID returns live (non-tombstone) documents for the ids.
func (i *instance) FindDocumentsByID(ctx context.Context, ids []string) (map[string]storage.Document, error) {
	if i.isClosed() {
		return nil, storage.ErrClosed
	}

	i.store.mu.Lock()
	defer i.store.mu.Unlock()

	found := make(map[string]storage.Document, len(ids))
	for _, id := range ids {
		if doc, ok := i.store.docs[id]; ok && !doc.Deleted() {
			found[id] = doc.Clone()
		}
	}
	return found, nil
}

// FindByID implements storage.KeyObjectInstance.
func (i *instance) FindByID(ctx context.Context, ids []string) (map[string]storage.Document, error) {
	return i.FindDocumentsByID(ctx, ids)
}

// FindAll returns every live document.
func (i *instance) FindAll(ctx context.Context) ([]storage.Document, error) {
	if i.isClosed() {
		return nil, storage.ErrClosed
	}

	i.store.mu.Lock()
	defer i.store.mu.Unlock()

	docs := make([]storage.Document, 0, len(i.store.docs))
	for _, doc := range i.store.docs {
		if !doc.Deleted() {
			docs = append(docs, doc.Clone())
		}
	}
	return docs, nil
}

// Changes implements storage.Instance. The subscription covers writes made
// through any handle of the same backing store.
func (i *instance) Changes(ctx context.Context) <-chan storage.ChangeNotification {
	events := i.store.broker.Subscribe(ctx)
	out := make(chan storage.ChangeNotification, cap(events))
	go func() {
		defer close(out)
		for event := range events {
			out <- event.Payload
		}
	}()
	return out
}

// Remove erases the backing store and closes this handle.
func (i *instance) Remove(ctx context.Context) error {
	if i.isClosed() {
		return storage.ErrClosed
	}

	i.store.mu.Lock()
	i.store.docs = make(map[string]storage.Document)
	i.store.mu.Unlock()

	// Detach the store so a later open starts fresh.
	i.store.adapter.drop(i.store.key)
	return i.Close()
}

func (i *instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// nextRev bumps the numeric height prefix of a rev and appends fresh
// entropy, e.g. "" -> "1-ab12cd34", "3-x" -> "4-9f0e1d2c".
func nextRev(current string) string {
	height := 0
	if current != "" {
		if idx := strings.IndexByte(current, '-'); idx > 0 {
			if h, err := strconv.Atoi(current[:idx]); err == nil {
				height = h
			}
		}
	}
	return fmt.Sprintf("%d-%s", height+1, uuid.NewString()[:8])
}
