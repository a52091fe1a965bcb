package database

import "fmt"

// DuplicateInstanceError reports a second open of the same (name, backend)
// pair without IgnoreDuplicate. Fatal to the open call; not retried.
type DuplicateInstanceError struct {
	Name    string
	Backend string
}

func (e *DuplicateInstanceError) Error() string {
	return fmt.Sprintf("database %q is already open on backend %q; set IgnoreDuplicate to open it twice", e.Name, e.Backend)
}

// SchemaHashMismatchError reports a collection re-registered under the same
// name and version with a structurally different schema.
type SchemaHashMismatchError struct {
	Collection    string
	Version       int
	ExistingHash  string
	RequestedHash string
}

func (e *SchemaHashMismatchError) Error() string {
	return fmt.Sprintf("collection %q version %d is already registered with schema hash %s, refusing different hash %s",
		e.Collection, e.Version, e.ExistingHash, e.RequestedHash)
}

// CollectionAlreadyExistsError reports a collection name collision within
// one live database instance.
type CollectionAlreadyExistsError struct {
	Collection string
}

func (e *CollectionAlreadyExistsError) Error() string {
	return fmt.Sprintf("collection %q already exists on this database instance", e.Collection)
}

// EncryptionKeyMissingError reports a schema that requires encryption on a
// database opened without a password.
type EncryptionKeyMissingError struct {
	Collection string
}

func (e *EncryptionKeyMissingError) Error() string {
	return fmt.Sprintf("collection %q declares encrypted fields but the database was opened without a password", e.Collection)
}

// InstanceDestroyedError reports an operation attempted after destroy.
type InstanceDestroyedError struct {
	Database  string
	Operation string
}

func (e *InstanceDestroyedError) Error() string {
	return fmt.Sprintf("database %q is destroyed, refusing operation %q", e.Database, e.Operation)
}

// UnsupportedBackendError reports a storage backend that failed capability
// probing at open time.
type UnsupportedBackendError struct {
	Backend string
	Reason  error
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("storage backend %q is not usable: %v", e.Backend, e.Reason)
}

func (e *UnsupportedBackendError) Unwrap() error { return e.Reason }
