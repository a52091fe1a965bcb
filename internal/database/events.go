package database

import (
	"context"
	"encoding/json"

	"github.com/zjrosen/ripple/internal/broadcast"
	"github.com/zjrosen/ripple/internal/log"
	"github.com/zjrosen/ripple/internal/pubsub"
	"github.com/zjrosen/ripple/internal/storage"
)

// Operation classifies a change event.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent represents one committed mutation. Events are immutable once
// emitted and carry enough state for a remote instance to update its
// reactive views without re-reading storage.
type ChangeEvent struct {
	// InstanceToken is the runtime handle that produced the event; remote
	// receivers use it to drop echoes of their own events.
	InstanceToken string `json:"instanceToken"`

	// Database is the logical database name.
	Database string `json:"database"`

	// Collection scopes the event; empty means database-local (the local
	// document store and other bookkeeping scopes).
	Collection string `json:"collection,omitempty"`

	Operation  Operation        `json:"operation"`
	DocumentID string           `json:"documentId"`
	Document   storage.Document `json:"document,omitempty"`
	Previous   storage.Document `json:"previous,omitempty"`

	// Intern marks bookkeeping writes (metadata records, token creation).
	// Intern events stay local: they are never forwarded over the
	// broadcast channel.
	Intern bool `json:"intern,omitempty"`
}

// IsLocal reports whether the event is database-local rather than scoped
// to a collection.
func (e ChangeEvent) IsLocal() bool { return e.Collection == "" }

// Emit publishes an event to local subscribers and, for non-intern events
// originating from this instance of a multi-instance database, to the
// broadcast channel tagged with the storage token. Events emitted after
// destroy are dropped.
func (db *Database) Emit(event ChangeEvent) {
	db.mu.Lock()
	destroyed := db.destroyed
	channel := db.channel
	db.mu.Unlock()
	if destroyed {
		return
	}

	db.broker.Publish(pubsub.LocalEvent, event)

	if channel == nil || event.Intern || event.InstanceToken != db.instanceToken {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.ErrorErr(log.CatBus, "encoding change event for broadcast", err, "database", db.config.Name)
		return
	}
	// Fire-and-forget relative to the gate: never part of a critical
	// section, never blocks emission.
	if err := channel.Post(context.Background(), broadcast.Message{
		Database:     db.config.Name,
		StorageToken: db.storageToken,
		Event:        payload,
	}); err != nil {
		log.ErrorErr(log.CatBroadcast, "posting change event", err, "database", db.config.Name)
	}
}

// Changes subscribes to this instance's logical event stream: local events
// in emission order plus deduplicated remote events. The subscription ends
// when ctx is cancelled or the database is destroyed.
func (db *Database) Changes(ctx context.Context) <-chan pubsub.Event[ChangeEvent] {
	return db.broker.Subscribe(ctx)
}

// receiveLoop pumps broadcast messages into the local stream. It drops
// messages from a different logical storage (same-name coincidences) and
// messages this instance itself produced (echo after a round trip).
func (db *Database) receiveLoop(ctx context.Context, channel broadcast.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-channel.Messages():
			if !ok {
				return
			}
			if msg.StorageToken != db.storageToken {
				log.Debug(log.CatBus, "dropping broadcast from different storage", "database", db.config.Name, "token", msg.StorageToken)
				continue
			}

			var event ChangeEvent
			if err := json.Unmarshal(msg.Event, &event); err != nil {
				log.ErrorErr(log.CatBus, "decoding broadcast change event", err, "database", db.config.Name)
				continue
			}
			if event.InstanceToken == db.instanceToken {
				continue
			}
			db.broker.Publish(pubsub.RemoteEvent, event)
		}
	}
}
