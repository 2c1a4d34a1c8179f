package ws

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/Aidin1998/tickercast/pkg/metrics"
)

var ErrDuplicateConnection = errors.New("connection id already registered")

// Registry maps connection ids to live connections. It is sharded by id so
// actors touching different connections rarely contend.
type Registry struct {
	shards     []*registryShard
	shardCount uint32
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates a registry with shardCount shards (at least one).
func NewRegistry(shardCount int) *Registry {
	if shardCount < 1 {
		shardCount = 1
	}
	r := &Registry{
		shards:     make([]*registryShard, shardCount),
		shardCount: uint32(shardCount),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{conns: make(map[string]*Connection)}
	}
	return r
}

func (r *Registry) shardFor(key string) *registryShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	idx := hasher.Sum32() % r.shardCount
	return r.shards[idx]
}

// Register adds conn under its id. A live id is left untouched and
// ErrDuplicateConnection is returned.
func (r *Registry) Register(conn *Connection) error {
	sh := r.shardFor(conn.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.conns[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	sh.conns[conn.ID()] = conn
	metrics.ConnectionsActive.Inc()
	return nil
}

// Unregister removes id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.conns[id]; !exists {
		return false
	}
	delete(sh.conns, id)
	metrics.ConnectionsActive.Dec()
	return true
}

// Remove unregisters conn only if it is still the entry for its id, so a
// late cleanup never evicts a newer connection that reused the address.
func (r *Registry) Remove(conn *Connection) bool {
	sh := r.shardFor(conn.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if current, exists := sh.conns[conn.ID()]; !exists || current != conn {
		return false
	}
	delete(sh.conns, conn.ID())
	metrics.ConnectionsActive.Dec()
	return true
}

// WithConnection runs fn against the connection registered under id and
// reports whether one was found. The entry's shard stays locked while fn
// runs, so fn must not call back into the registry.
func (r *Registry) WithConnection(id string, fn func(*Connection)) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	conn, ok := sh.conns[id]
	if !ok {
		return false
	}
	fn(conn)
	return true
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (*Connection, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	conn, ok := sh.conns[id]
	return conn, ok
}

// ForEach calls fn for every connection registered at the time of the call.
func (r *Registry) ForEach(fn func(*Connection)) {
	var snapshot []*Connection
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, c := range sh.conns {
			snapshot = append(snapshot, c)
		}
		sh.mu.RUnlock()
	}
	for _, c := range snapshot {
		fn(c)
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.conns)
		sh.mu.RUnlock()
	}
	return n
}
