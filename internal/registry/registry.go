// Package registry keeps the in-memory index of live deployments.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-bot-fleet/internal/supervisor"
)

var (
	ErrDuplicateID = errors.New("deployment id already registered")
	ErrNotFound    = errors.New("deployment not found")
)

// Deployment is one registered bot instance. OwnerID never changes after
// registration.
type Deployment struct {
	ID         string
	OwnerID    string
	OwnerName  string
	SessionDir string
	DeployedAt time.Time
	// Restored marks entries loaded from the durable store that have not
	// been reconnected yet.
	Restored   bool
	Supervisor *supervisor.Supervisor
}

// State reports the supervisor state, or pending when there is none yet.
func (d Deployment) State() supervisor.State {
	if d.Supervisor == nil {
		return supervisor.StatePending
	}
	return d.Supervisor.Snapshot().State
}

type Registry struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment
}

func New() *Registry {
	return &Registry{deployments: make(map[string]*Deployment)}
}

func (r *Registry) Register(d Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deployments[d.ID]; ok {
		return ErrDuplicateID
	}
	r.deployments[d.ID] = &d
	return nil
}

// Update swaps the supervisor and restored flag of an existing entry.
func (r *Registry) Update(id string, sup *supervisor.Supervisor, restored bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Supervisor = sup
	d.Restored = restored
	return nil
}

func (r *Registry) Get(id string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deployments[id]
	if !ok {
		return Deployment{}, false
	}
	return *d, true
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.deployments[id]
	return ok
}

// Remove deletes the entry and returns it.
func (r *Registry) Remove(id string) (Deployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deployments[id]
	if !ok {
		return Deployment{}, false
	}
	delete(r.deployments, id)
	return *d, true
}

func (r *Registry) All() []Deployment {
	return r.filter(func(*Deployment) bool { return true })
}

// Active returns deployments whose connection is currently up.
func (r *Registry) Active() []Deployment {
	return r.filter(func(d *Deployment) bool { return d.State() == supervisor.StateActive })
}

func (r *Registry) ForOwner(ownerID string) []Deployment {
	return r.filter(func(d *Deployment) bool { return d.OwnerID == ownerID })
}

func (r *Registry) CountForOwner(ownerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, d := range r.deployments {
		if d.OwnerID == ownerID {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.deployments)
}

func (r *Registry) filter(keep func(*Deployment) bool) []Deployment {
	r.mu.RLock()
	out := make([]Deployment, 0, len(r.deployments))
	for _, d := range r.deployments {
		if keep(d) {
			out = append(out, *d)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeployedAt.Equal(out[j].DeployedAt) {
			return out[i].DeployedAt.Before(out[j].DeployedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
