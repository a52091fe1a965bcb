// Package broadcast provides the cross-instance broadcast channel: a named
// publish/subscribe pipe keyed by logical database name that delivers
// change-event messages to every other open instance of the same name.
//
// A channel never delivers a message back to the handle that posted it
// (mirroring the browser BroadcastChannel contract). Deduplication by
// storage token and origin instance token is the event bus's job, not the
// channel's: the channel only guarantees delivery.
package broadcast

import (
	"context"
	"encoding/json"
)

// Message is the envelope posted over a channel.
type Message struct {
	// Database is the logical database name the message belongs to.
	Database string `json:"database"`

	// StorageToken identifies the underlying logical storage. Receivers
	// drop messages whose token does not match their own, which guards
	// against same-name databases that are not actually the same data.
	StorageToken string `json:"storageToken"`

	// Event is the serialized change event. The bus owns its shape; the
	// channel treats it as opaque.
	Event json.RawMessage `json:"event"`
}

// Channel is one handle onto a named broadcast pipe.
type Channel interface {
	// Post publishes a message to every other handle of the same pipe.
	// Fire-and-forget: Post never blocks on slow receivers.
	Post(ctx context.Context, msg Message) error

	// Messages returns the receive stream. The channel closes it on Close.
	Messages() <-chan Message

	Close() error
}
