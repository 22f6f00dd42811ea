package mesh

import (
	"sort"
	"sync"
	"time"
)

// PeerInfo is a snapshot entry from the registry.
type PeerInfo struct {
	MachineName   string    `json:"machine_name"`
	User          string    `json:"user"`
	Host          string    `json:"host"`
	TransportPath string    `json:"transport_path"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Online        bool      `json:"online"`
}

// Registry is the in-memory peer table. Written by the heartbeat consumer,
// read by everything else. Peers expire by TTL, never by explicit removal;
// expired peers are retained for a grace period for "last seen" display.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]PeerInfo

	self      string
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewRegistry creates a Registry. The local machine is seeded immediately
// so it is always present.
func NewRegistry(self, user, host, transportPath string, ttl time.Duration) *Registry {
	r := &Registry{
		peers:     make(map[string]PeerInfo),
		self:      self,
		ttl:       ttl,
		retention: 10 * ttl,
		now:       time.Now,
	}
	r.peers[self] = PeerInfo{
		MachineName:   self,
		User:          user,
		Host:          host,
		TransportPath: transportPath,
		LastHeartbeat: r.now(),
	}
	return r
}

// Upsert records a heartbeat observation.
func (r *Registry) Upsert(machine, user, host, transportPath string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[machine] = PeerInfo{
		MachineName:   machine,
		User:          user,
		Host:          host,
		TransportPath: transportPath,
		LastHeartbeat: at,
	}
}

// TouchSelf refreshes the local machine's heartbeat timestamp.
func (r *Registry) TouchSelf() {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[r.self]
	p.LastHeartbeat = r.now()
	r.peers[r.self] = p
}

// Online reports whether a machine's last heartbeat is within TTL.
func (r *Registry) Online(machine string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[machine]
	return ok && r.now().Sub(p.LastHeartbeat) < r.ttl
}

// Get returns a single peer's snapshot entry.
func (r *Registry) Get(machine string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[machine]
	if !ok {
		return PeerInfo{}, false
	}
	p.Online = r.now().Sub(p.LastHeartbeat) < r.ttl
	return p, true
}

// Snapshot returns all known peers sorted by name, dropping entries past
// the retention grace period. The local machine is never dropped.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]PeerInfo, 0, len(r.peers))
	for name, p := range r.peers {
		age := now.Sub(p.LastHeartbeat)
		if age >= r.retention && name != r.self {
			delete(r.peers, name)
			continue
		}
		p.Online = age < r.ttl
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineName < out[j].MachineName })
	return out
}
