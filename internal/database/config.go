package database

import (
	"fmt"
	"strings"

	"github.com/zjrosen/ripple/internal/storage"
)

// Config holds all options for opening a database instance.
type Config struct {
	// Name is the logical database name shared by every instance of "the
	// same" database. Required.
	Name string

	// Adapter is the storage backend. Required.
	Adapter storage.Adapter

	// Password is the encryption secret handed to the storage backend.
	// Collections with encrypted fields refuse to register without it.
	// Default: "" (no encryption).
	Password string

	// MultiInstance opens the cross-instance broadcast channel so change
	// events propagate to sibling instances of the same name.
	// Default: false.
	MultiInstance bool

	// IgnoreDuplicate permits opening the same (name, backend) pair more
	// than once in this process. Default: false.
	IgnoreDuplicate bool

	// EventReduce enables in-memory reactive state updates straight from
	// change events without re-reading storage. Default: true.
	EventReduce bool

	// BroadcastDir selects the file-backed broadcast transport, which
	// reaches instances in other OS processes. Empty selects the
	// in-process transport. Only used when MultiInstance is set.
	BroadcastDir string
}

// DefaultConfig returns a config with documented defaults applied.
func DefaultConfig(name string, adapter storage.Adapter) Config {
	return Config{
		Name:        name,
		Adapter:     adapter,
		EventReduce: true,
	}
}

// Validate checks the config at construction time.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if strings.ContainsAny(c.Name, "|/\\") {
		return fmt.Errorf("database name %q must not contain '|', '/' or '\\'", c.Name)
	}
	if c.Adapter == nil {
		return fmt.Errorf("storage adapter is required")
	}
	return nil
}
