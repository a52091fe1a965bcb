package database

import (
	"sync"

	"github.com/zjrosen/ripple/internal/log"
)

// identityRegistry is the process-wide reservation table preventing two
// independent instances from opening the same (name, backend) pair without
// explicit permission. Reservations are counted so IgnoreDuplicate opens
// stack and unwind one release at a time.
type identityRegistry struct {
	mu       sync.Mutex
	reserved map[string]int
}

var registry = &identityRegistry{reserved: make(map[string]int)}

func identityKey(name, backend string) string {
	return name + "|" + backend
}

// reserve records an open of (name, backend). When the pair is already
// reserved and allowDuplicate is false it fails with
// DuplicateInstanceError and records nothing.
func (r *identityRegistry) reserve(name, backend string, allowDuplicate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey(name, backend)
	if r.reserved[key] > 0 && !allowDuplicate {
		return &DuplicateInstanceError{Name: name, Backend: backend}
	}
	r.reserved[key]++
	log.Debug(log.CatDB, "reserved database identity", "name", name, "backend", backend, "count", r.reserved[key])
	return nil
}

// release removes one reservation for the pair. Releasing an absent pair
// is a defensive no-op.
func (r *identityRegistry) release(name, backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey(name, backend)
	count, ok := r.reserved[key]
	if !ok {
		return
	}
	if count <= 1 {
		delete(r.reserved, key)
	} else {
		r.reserved[key] = count - 1
	}
	log.Debug(log.CatDB, "released database identity", "name", name, "backend", backend)
}

// count reports the live reservations for a pair. Test helper.
func (r *identityRegistry) count(name, backend string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved[identityKey(name, backend)]
}
