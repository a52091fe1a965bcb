// Package storage defines the pluggable storage adapter interface consumed
// by the database core. The core never touches documents directly; every
// read and write goes through an Instance created by an Adapter.
//
// Adapters are external collaborators: this package specifies the contract
// (rev-checked bulk writes with per-row conflict reporting, id lookups, a
// restartable change notification stream) and nothing about how documents
// are stored.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/ripple/internal/schema"
)

// ErrClosed is returned by operations on a closed storage instance.
var ErrClosed = errors.New("storage instance is closed")

// Document is one stored document. Every document carries an "id" field
// (the storage-level identity) and a "_rev" field maintained by the
// adapter. Deleted documents carry "_deleted": true.
type Document map[string]any

// ID returns the storage-level identity of the document.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Rev returns the adapter-maintained revision of the document.
func (d Document) Rev() string {
	rev, _ := d["_rev"].(string)
	return rev
}

// Deleted reports whether the document is a tombstone.
func (d Document) Deleted() bool {
	deleted, _ := d["_deleted"].(bool)
	return deleted
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// BulkWriteRow is one write in a batch. Previous is the state the writer
// believes is stored: nil means "insert, nothing stored yet". A mismatch
// between Previous and the actually stored state is a conflict.
type BulkWriteRow struct {
	Previous Document
	Document Document
}

// WriteError reports the failure of a single row in a bulk write.
type WriteError struct {
	DocumentID string
	IsConflict bool
	Err        error
}

func (e *WriteError) Error() string {
	if e.IsConflict {
		return fmt.Sprintf("write conflict on document %q: %v", e.DocumentID, e.Err)
	}
	return fmt.Sprintf("write error on document %q: %v", e.DocumentID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// BulkWriteResult reports per-row outcomes. A bulk write only returns a
// top-level error for whole-batch failures (I/O, closed instance); row
// conflicts land in Errors and never abort sibling rows.
type BulkWriteResult struct {
	Success []Document
	Errors  []*WriteError
}

// ConflictFor returns the conflict error for a document id, if any.
func (r BulkWriteResult) ConflictFor(id string) *WriteError {
	for _, we := range r.Errors {
		if we.DocumentID == id && we.IsConflict {
			return we
		}
	}
	return nil
}

// NotificationKind classifies a storage change notification.
type NotificationKind string

const (
	NotificationInsert NotificationKind = "insert"
	NotificationUpdate NotificationKind = "update"
	NotificationDelete NotificationKind = "delete"
)

// ChangeNotification is emitted by an Instance for every committed write.
type ChangeNotification struct {
	Kind       NotificationKind
	DocumentID string
	Document   Document
	Previous   Document
}

// Options carries adapter-specific settings for instance creation.
type Options struct {
	// Password is the encryption secret, empty when the database was
	// opened without one. Adapters that do not encrypt may ignore it.
	Password string
}

// Instance is one per-collection storage handle.
type Instance interface {
	Collection() string
	Schema() *schema.Schema

	// BulkWrite applies rows atomically per row (not per batch): each row
	// succeeds or fails independently, with conflicts reported per row.
	BulkWrite(ctx context.Context, rows []BulkWriteRow) (BulkWriteResult, error)
	FindDocumentsByID(ctx context.Context, ids []string) (map[string]Document, error)
	FindAll(ctx context.Context) ([]Document, error)

	// Changes returns a live stream of change notifications. The stream is
	// restartable: every call returns a fresh subscription starting at
	// "now". The channel closes when ctx is cancelled or the instance is
	// closed.
	Changes(ctx context.Context) <-chan ChangeNotification

	// Remove erases the underlying storage, then closes the instance.
	Remove(ctx context.Context) error
	Close() error
}

// KeyObjectInstance is a schemaless key-value storage handle used for
// instance-local metadata (notably the durable storage token).
type KeyObjectInstance interface {
	BulkWrite(ctx context.Context, rows []BulkWriteRow) (BulkWriteResult, error)
	FindByID(ctx context.Context, ids []string) (map[string]Document, error)
	Remove(ctx context.Context) error
	Close() error
}

// Adapter creates storage instances for one backend.
type Adapter interface {
	// Name identifies the backend; it is part of the identity registry key.
	Name() string

	// Probe verifies the backend is usable in this environment. Called once
	// at database open; failure surfaces as UnsupportedBackendError.
	Probe(ctx context.Context) error

	CreateInstance(ctx context.Context, databaseName, collectionName string, s *schema.Schema, opts Options) (Instance, error)
	CreateKeyObjectInstance(ctx context.Context, databaseName, namespace string, opts Options) (KeyObjectInstance, error)
}
