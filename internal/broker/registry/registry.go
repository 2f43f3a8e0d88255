// Package registry tracks attached peers: their id, socket, eventfd
// list, fabric identity, and lifecycle state, plus the optional recycle
// pool that lets a reconnecting peer reacquire its old eventfds.
package registry

import (
	"math/rand"
	"net"
	"sync"

	"github.com/zvolchak/FAME-Z/internal/broker/eventfd"
)

// LinkState is a peer's position in the Handshaking -> Advertised ->
// Operational -> Lost lifecycle.
type LinkState int

const (
	Handshaking LinkState = iota
	Advertised
	Operational
	Lost
)

func (s LinkState) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Advertised:
		return "advertised"
	case Operational:
		return "operational"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Peer is the broker-side record for one attached participant. It is
// not stored in shared memory; it owns the eventfds duplicated to/from
// that peer across the handshake socket.
type Peer struct {
	ID        int
	Socket    *net.UnixConn
	Eventfds  []*eventfd.Eventfd
	Nodename  string
	CClass    string
	SID       int
	CID       int
	State     LinkState
	PeerAttrs map[string]string
}

// Registry owns the set of attached peers plus id allocation and the
// optional recycle pool. nClients and serverID are fixed for the
// broker's lifetime.
type Registry struct {
	mu       sync.Mutex
	nClients int
	serverID int
	smart    bool
	recycle  bool
	rng      *rand.Rand

	peers    map[int]*Peer
	recycled map[int]*Peer
}

// New creates a registry for a broker configured with nClients peer
// slots, the given server_id, and the smart/recycle behaviors from the
// CLI surface.
func New(nClients, serverID int, smart, recycle bool) *Registry {
	return &Registry{
		nClients: nClients,
		serverID: serverID,
		smart:    smart,
		recycle:  recycle,
		rng:      rand.New(rand.NewSource(1)),
		peers:    make(map[int]*Peer),
		recycled: make(map[int]*Peer),
	}
}

// AllocateID picks the next free peer id from {1..nClients+1} minus
// {0, serverID} and currently-used ids. Plain mode returns the smallest
// free id; smart mode returns a uniformly random one. Returns -1 if no
// id is free.
func (r *Registry) AllocateID() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := make([]int, 0, r.nClients+1)
	for id := 1; id <= r.nClients+1; id++ {
		if id == r.serverID {
			continue
		}
		if _, used := r.peers[id]; used {
			continue
		}
		free = append(free, id)
	}
	if len(free) == 0 {
		return -1
	}
	if !r.smart {
		min := free[0]
		for _, id := range free[1:] {
			if id < min {
				min = id
			}
		}
		return min
	}
	return free[r.rng.Intn(len(free))]
}

// Recycled returns the preserved peer record for id, if recycle mode is
// on and one exists. The caller is expected to reuse its eventfd list
// rather than creating new ones.
func (r *Registry) Recycled(id int) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recycle {
		return nil, false
	}
	p, ok := r.recycled[id]
	return p, ok
}

// Add registers a peer as attached, removing any recycle-pool entry for
// the same id.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recycled, p.ID)
	r.peers[p.ID] = p
}

// Remove detaches a peer. If recycle mode is on, the record (and its
// eventfds) is preserved in the recycle pool instead of being dropped;
// the caller must not close the peer's eventfds in that case.
func (r *Registry) Remove(id int) (removed *Peer, recycled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	delete(r.peers, id)
	if r.recycle {
		r.recycled[id] = p
		return p, true
	}
	return p, false
}

// Get returns the peer for id, if currently attached.
func (r *Registry) Get(id int) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// ByNodename resolves a peer by its stamped nodename.
func (r *Registry) ByNodename(name string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.Nodename == name {
			return p, true
		}
	}
	return nil, false
}

// Snapshot returns a point-in-time slice of all attached peer records,
// suitable for broadcast iteration that must not be disrupted by
// concurrent Add/Remove.
func (r *Registry) Snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the number of currently attached peers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
