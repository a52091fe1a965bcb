package broadcast

import (
	"context"
	"sync"
)

// Process-wide hub table for in-memory channels, keyed by database name.
// Instances in the same process reach each other here without touching
// the filesystem.
var (
	memHubsMu sync.Mutex
	memHubs   = map[string]*memHub{}
)

type memHub struct {
	name string

	mu      sync.Mutex
	members map[*MemChannel]struct{}
}

// MemChannel is an in-process broadcast channel handle.
type MemChannel struct {
	hub *memHub

	mu       sync.Mutex
	closed   bool
	messages chan Message
}

var _ Channel = (*MemChannel)(nil)

// OpenMem opens a handle onto the in-process pipe for a database name.
func OpenMem(database string) *MemChannel {
	memHubsMu.Lock()
	hub, ok := memHubs[database]
	if !ok {
		hub = &memHub{name: database, members: make(map[*MemChannel]struct{})}
		memHubs[database] = hub
	}
	memHubsMu.Unlock()

	ch := &MemChannel{
		hub:      hub,
		messages: make(chan Message, 64),
	}
	hub.mu.Lock()
	hub.members[ch] = struct{}{}
	hub.mu.Unlock()
	return ch
}

// Post implements Channel. The posting handle never receives its own
// message.
func (c *MemChannel) Post(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.hub.mu.Lock()
	members := make([]*MemChannel, 0, len(c.hub.members))
	for member := range c.hub.members {
		if member != c {
			members = append(members, member)
		}
	}
	c.hub.mu.Unlock()

	for _, member := range members {
		member.deliver(msg)
	}
	return nil
}

func (c *MemChannel) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.messages <- msg:
	default:
		// Receiver is not draining; broadcast is fire-and-forget.
	}
}

// Messages implements Channel.
func (c *MemChannel) Messages() <-chan Message {
	return c.messages
}

// Close implements Channel. Idempotent.
func (c *MemChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.messages)
	c.mu.Unlock()

	c.hub.mu.Lock()
	delete(c.hub.members, c)
	empty := len(c.hub.members) == 0
	c.hub.mu.Unlock()

	if empty {
		memHubsMu.Lock()
		if hub, ok := memHubs[c.hub.name]; ok {
			hub.mu.Lock()
			if len(hub.members) == 0 {
				delete(memHubs, c.hub.name)
			}
			hub.mu.Unlock()
		}
		memHubsMu.Unlock()
	}
	return nil
}
