// Package presence tracks which users hold live connections on this
// gateway process.
package presence

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var ErrStopped = errors.New("presence: registry stopped")

// Handle names one live connection.
type Handle string

func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// Registry maps a user id to its set of connection handles. A user is
// online exactly while that set is non-empty. All methods are safe for
// concurrent use; each mutation is atomic per (user, handle).
type Registry struct {
	mu      sync.RWMutex
	running bool
	users   map[string]map[Handle]struct{}
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[Handle]struct{})}
}

func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
}

// Stop rejects further registrations and forgets every handle.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.users = make(map[string]map[Handle]struct{})
}

// Register adds h to the user's set and reports whether the user just
// came online. Registering a handle twice is a no-op.
func (r *Registry) Register(userID string, h Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false, ErrStopped
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[Handle]struct{})
		r.users[userID] = set
	}
	if _, dup := set[h]; dup {
		return false, nil
	}
	set[h] = struct{}{}
	return len(set) == 1, nil
}

// Unregister removes exactly h and reports whether the user just went
// offline. Unknown users or handles are ignored.
func (r *Registry) Unregister(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[h]; !ok {
		return false
	}
	delete(set, h)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// Lookup returns a snapshot of the user's handles.
func (r *Registry) Lookup(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Users returns the ids of every online user.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
