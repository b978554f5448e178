package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/nighthost/backend/internal/shared/id"
)

const maxIDAttempts = 8

// IDSource produces candidate server IDs
type IDSource interface {
	ServerID() (id.ServerID, error)
}

// Registry is the authoritative in-memory table of hosted bots.
// It only guards its own map; ordering of lifecycle commands is the
// lifecycle manager's job.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]*Identity // Protected by mu
	root       string
	ids        IDSource
}

// NewRegistry creates a registry that provisions work directories under root
func NewRegistry(root string) *Registry {
	return &Registry{
		identities: make(map[string]*Identity),
		root:       root,
		ids:        id.Default(),
	}
}

// WithIDSource overrides the ID generator
func (r *Registry) WithIDSource(src IDSource) *Registry {
	r.ids = src
	return r
}

// Root returns the directory work directories are created under
func (r *Registry) Root() string {
	return r.root
}

// Create registers a new offline identity and provisions its work directory
func (r *Registry) Create(plan Plan, runtime RuntimeKind) (*Identity, error) {
	if runtime.EntryFile() == "" {
		return nil, fmt.Errorf("%w: unsupported runtime %q", ErrValidation, runtime)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var serverID string
	for attempt := 0; ; attempt++ {
		if attempt == maxIDAttempts {
			return nil, fmt.Errorf("allocate server id: %d collisions", maxIDAttempts)
		}
		candidate, err := r.ids.ServerID()
		if err != nil {
			return nil, err
		}
		if _, taken := r.identities[candidate.String()]; !taken {
			serverID = candidate.String()
			break
		}
	}

	dir := filepath.Join(r.root, serverID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("provision work dir: %w", err)
	}

	ident := &Identity{
		ID:        serverID,
		Plan:      plan,
		Runtime:   runtime,
		WorkDir:   dir,
		State:     StateOffline,
		CreatedAt: time.Now(),
	}
	r.identities[serverID] = ident

	return copyIdentity(ident), nil
}

// Get returns a snapshot of the identity
func (r *Registry) Get(serverID string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ident, ok := r.identities[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, serverID)
	}
	return copyIdentity(ident), nil
}

// Exists reports whether serverID is registered
func (r *Registry) Exists(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.identities[serverID]
	return ok
}

// List returns snapshots of all identities ordered by creation time
func (r *Registry) List() []*Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Identity, 0, len(r.identities))
	for _, ident := range r.identities {
		out = append(out, copyIdentity(ident))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetState updates the lifecycle state. Moving to offline clears the
// sandbox reference.
func (r *Registry) SetState(serverID string, state State) error {
	return r.mutate(serverID, func(ident *Identity) {
		ident.State = state
		if !state.HasSandbox() {
			ident.SandboxRef = nil
		}
	})
}

// SetSandboxRef attaches or clears (ref == "") the current sandbox without
// touching state. Lifecycle transitions use SetSandbox to change both at once.
func (r *Registry) SetSandboxRef(serverID string, ref string) error {
	return r.mutate(serverID, func(ident *Identity) {
		if ref == "" {
			ident.SandboxRef = nil
			return
		}
		ident.SandboxRef = &ref
	})
}

// SetSandbox attaches ref and moves to state in one step. An empty ref or a
// state without a sandbox clears the reference.
func (r *Registry) SetSandbox(serverID string, ref string, state State) error {
	return r.mutate(serverID, func(ident *Identity) {
		ident.State = state
		if ref == "" || !state.HasSandbox() {
			ident.SandboxRef = nil
			return
		}
		ident.SandboxRef = &ref
	})
}

// BumpEpoch increments and returns the identity's epoch
func (r *Registry) BumpEpoch(serverID string) (uint64, error) {
	var epoch uint64
	err := r.mutate(serverID, func(ident *Identity) {
		ident.Epoch++
		epoch = ident.Epoch
	})
	return epoch, err
}

// Stats returns registry statistics
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{ByState: make(map[State]int)}
	for _, ident := range r.identities {
		stats.Total++
		stats.ByState[ident.State]++
	}
	return stats
}

func (r *Registry) mutate(serverID string, fn func(*Identity)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.identities[serverID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, serverID)
	}
	fn(ident)
	return nil
}

// copyIdentity returns a copy to prevent external modifications
func copyIdentity(ident *Identity) *Identity {
	c := *ident
	if ident.SandboxRef != nil {
		ref := *ident.SandboxRef
		c.SandboxRef = &ref
	}
	return &c
}
