package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/ripple/internal/pubsub"
	"github.com/zjrosen/ripple/internal/schema"
	"github.com/zjrosen/ripple/internal/storage"
)

// instance is one storage handle. The same type serves the document table
// and the key-object table; only the table and scope column differ.
type instance struct {
	conn     *sql.DB
	broker   *pubsub.Broker[storage.ChangeNotification]
	table    string
	scopeCol string
	scope    string

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

// BulkWrite applies each row in its own short transaction: read the stored
// rev, check for conflicts, write. Row failures never abort sibling rows.
func (i *instance) BulkWrite(ctx context.Context, rows []storage.BulkWriteRow) (storage.BulkWriteResult, error) {
	if i.isClosed() {
		return storage.BulkWriteResult{}, storage.ErrClosed
	}

	var result storage.BulkWriteResult
	var notifications []storage.ChangeNotification

	for _, row := range rows {
		id := row.Document.ID()
		if id == "" {
			result.Errors = append(result.Errors, &storage.WriteError{
				DocumentID: id,
				Err:        fmt.Errorf("document has no id"),
			})
			continue
		}

		doc, notification, writeErr, err := i.writeRow(ctx, id, row)
		if err != nil {
			return storage.BulkWriteResult{}, err
		}
		if writeErr != nil {
			result.Errors = append(result.Errors, writeErr)
			continue
		}
		result.Success = append(result.Success, doc)
		notifications = append(notifications, notification)
	}

	for _, n := range notifications {
		i.broker.Publish(pubsub.EventType(n.Kind), n)
	}
	return result, nil
}

// writeRow returns (doc, notification, rowError, batchError).
func (i *instance) writeRow(ctx context.Context, id string, row storage.BulkWriteRow) (storage.Document, storage.ChangeNotification, *storage.WriteError, error) {
	tx, err := i.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.ChangeNotification{}, nil, fmt.Errorf("beginning write transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedRev string
	var storedDeleted int
	var storedData string
	query := fmt.Sprintf("SELECT rev, deleted, data FROM %s WHERE %s = ? AND id = ?", i.table, i.scopeCol)
	err = tx.QueryRowContext(ctx, query, i.scope, id).Scan(&storedRev, &storedDeleted, &storedData)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, storage.ChangeNotification{}, nil, fmt.Errorf("reading stored document: %w", err)
	}
	live := exists && storedDeleted == 0

	if row.Previous == nil {
		if live {
			return nil, storage.ChangeNotification{}, &storage.WriteError{
				DocumentID: id,
				IsConflict: true,
				Err:        fmt.Errorf("document already exists with rev %s", storedRev),
			}, nil
		}
	} else if !exists || storedRev != row.Previous.Rev() {
		return nil, storage.ChangeNotification{}, &storage.WriteError{
			DocumentID: id,
			IsConflict: true,
			Err:        fmt.Errorf("expected rev %s, stored rev %s", row.Previous.Rev(), storedRev),
		}, nil
	}

	doc := row.Document.Clone()
	doc["_rev"] = nextRev(storedRev)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, storage.ChangeNotification{}, nil, fmt.Errorf("encoding document %q: %w", id, err)
	}

	deleted := 0
	if doc.Deleted() {
		deleted = 1
	}
	upsert := fmt.Sprintf(
		"INSERT INTO %s (%s, id, rev, deleted, data) VALUES (?, ?, ?, ?, ?) ON CONFLICT (%s, id) DO UPDATE SET rev = excluded.rev, deleted = excluded.deleted, data = excluded.data",
		i.table, i.scopeCol, i.scopeCol,
	)
	if _, err := tx.ExecContext(ctx, upsert, i.scope, id, doc.Rev(), deleted, string(data)); err != nil {
		return nil, storage.ChangeNotification{}, nil, fmt.Errorf("writing document %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.ChangeNotification{}, nil, fmt.Errorf("committing document %q: %w", id, err)
	}

	kind := storage.NotificationInsert
	var previous storage.Document
	if live {
		previous = decodeOrNil(storedData)
		kind = storage.NotificationUpdate
		if deleted == 1 {
			kind = storage.NotificationDelete
		}
	}
	return doc, storage.ChangeNotification{
		Kind:       kind,
		DocumentID: id,
		Document:   doc,
		Previous:   previous,
	}, nil, nil
}

// FindDocumentsByID returns live documents for the ids.
func (i *instance) FindDocumentsByID(ctx context.Context, ids []string) (map[string]storage.Document, error) {
	if i.isClosed() {
		return nil, storage.ErrClosed
	}
	if len(ids) == 0 {
		return map[string]storage.Document{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(
		"SELECT id, data FROM %s WHERE %s = ? AND deleted = 0 AND id IN (%s)",
		i.table, i.scopeCol, placeholders,
	)
	args := make([]any, 0, len(ids)+1)
	args = append(args, i.scope)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := i.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	found := make(map[string]storage.Document, len(ids))
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		var doc storage.Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("decoding document %q: %w", id, err)
		}
		found[id] = doc
	}
	return found, rows.Err()
}

// FindByID implements storage.KeyObjectInstance.
func (i *instance) FindByID(ctx context.Context, ids []string) (map[string]storage.Document, error) {
	return i.FindDocumentsByID(ctx, ids)
}

// FindAll returns every live document in this store.
func (i *instance) FindAll(ctx context.Context) ([]storage.Document, error) {
	if i.isClosed() {
		return nil, storage.ErrClosed
	}

	query := fmt.Sprintf("SELECT id, data FROM %s WHERE %s = ? AND deleted = 0", i.table, i.scopeCol)
	rows, err := i.conn.QueryContext(ctx, query, i.scope)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []storage.Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		var doc storage.Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("decoding document %q: %w", id, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Changes implements storage.Instance.
func (i *instance) Changes(ctx context.Context) <-chan storage.ChangeNotification {
	events := i.broker.Subscribe(ctx)
	out := make(chan storage.ChangeNotification, cap(events))
	go func() {
		defer close(out)
		for event := range events {
			out <- event.Payload
		}
	}()
	return out
}

// Remove deletes every row of this store, then closes the handle.
func (i *instance) Remove(ctx context.Context) error {
	if i.isClosed() {
		return storage.ErrClosed
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", i.table, i.scopeCol)
	if _, err := i.conn.ExecContext(ctx, query, i.scope); err != nil {
		return fmt.Errorf("removing store rows: %w", err)
	}
	return i.Close()
}

func (i *instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

func decodeOrNil(data string) storage.Document {
	if data == "" {
		return nil
	}
	var doc storage.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil
	}
	return doc
}

func nextRev(current string) string {
	height := 0
	if current != "" {
		if idx := strings.IndexByte(current, '-'); idx > 0 {
			var parsed int
			if _, err := fmt.Sscanf(current[:idx], "%d", &parsed); err == nil {
				height = parsed
			}
		}
	}
	return fmt.Sprintf("%d-%s", height+1, uuid.NewString()[:8])
}
