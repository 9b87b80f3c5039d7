// Package registry maps node identity to the live agent connection. The hub
// owns connection lifecycles; everything else looks connections up here.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/pkg/agentwire"
)

// Conn is the subset of an agent connection the rest of the control plane
// uses: identity for supersede checks and a send path for dispatch.
type Conn interface {
	ConnID() string
	Send(ctx context.Context, msg *agentwire.Message) error
}

// Registry is the concurrent node → connection map. A new Bind for a node
// supersedes any prior binding; the superseded connection's removal becomes
// a no-op so a late disconnect can never evict its successor.
type Registry struct {
	mu     sync.RWMutex
	byNode map[string]Conn

	snapshotTTL time.Duration
	snapshot    []string
	snapshotAt  time.Time
}

// New creates an empty registry with the default snapshot TTL.
func New() *Registry {
	return NewWithTTL(constants.RegistrySnapshotTTL)
}

// NewWithTTL creates a registry with an explicit snapshot TTL. Tests use
// short TTLs to exercise cache expiry.
func NewWithTTL(ttl time.Duration) *Registry {
	return &Registry{
		byNode:      make(map[string]Conn),
		snapshotTTL: ttl,
	}
}

// Bind registers conn as the current connection for nodeID, replacing any
// prior binding. The superseded connection (if different) is returned so the
// caller can close it; the registry never performs I/O under its lock.
func (r *Registry) Bind(nodeID string, conn Conn) (prev Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.byNode[nodeID]
	if old != nil && old.ConnID() == conn.ConnID() {
		return nil
	}
	r.byNode[nodeID] = conn
	r.snapshot = nil
	return old
}

// Get returns the current connection for nodeID.
func (r *Registry) Get(nodeID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byNode[nodeID]
	return conn, ok
}

// RemoveByConnection removes the binding held by conn and returns the node it
// served. If the node has already been rebound to a newer connection the call
// is a no-op.
func (r *Registry) RemoveByConnection(conn Conn) (nodeID string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, bound := range r.byNode {
		if bound.ConnID() == conn.ConnID() {
			delete(r.byNode, id)
			r.snapshot = nil
			return id, true
		}
	}
	return "", false
}

// SnapshotConnectedNodes returns the sorted node ids with a live binding.
// The result is cached up to the TTL and invalidated on any Bind or Remove;
// batch fan-out queries tolerate slightly stale membership.
func (r *Registry) SnapshotConnectedNodes() []string {
	r.mu.RLock()
	if r.snapshot != nil && time.Since(r.snapshotAt) < r.snapshotTTL {
		cached := r.snapshot
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot != nil && time.Since(r.snapshotAt) < r.snapshotTTL {
		return r.snapshot
	}
	ids := make([]string, 0, len(r.byNode))
	for id := range r.byNode {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.snapshot = ids
	r.snapshotAt = time.Now()
	return ids
}

// IsConnected reports whether nodeID currently has a live binding.
func (r *Registry) IsConnected(nodeID string) bool {
	_, ok := r.Get(nodeID)
	return ok
}

// Count returns the number of live bindings.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}
