// Package presence tracks which identities currently hold live connections.
// The registry is the single piece of mutable state shared by all connection
// handlers; every mutation is serialized behind one mutex.
package presence

import (
	"encoding/json"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/proto"
)

var log = logging.Logger("presence")

// Conn is one live bidirectional transport owned by an identity. The
// registry holds Conns weakly: removal never blocks connection teardown,
// and a failed Send is the sender's problem, not the registry's.
type Conn interface {
	// Identity returns the normalized owner key.
	Identity() string
	// Visible reports whether the owning client's UI is foregrounded.
	Visible() bool
	// Send writes one pre-serialized frame. Must not block indefinitely.
	Send(frame []byte) error
}

// Registry maps identity -> set of live connections. An identity appears in
// the registry iff it owns at least one live connection.
type Registry struct {
	mu    sync.Mutex
	conns map[string]map[Conn]struct{}

	// broadcastMu keeps snapshot delivery in mutation order: two concurrent
	// membership changes must not deliver their snapshots inverted, or every
	// client ends up holding a stale online list until the next change. A
	// slow receiver therefore delays later broadcasts instead of being
	// overtaken by them.
	broadcastMu sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[Conn]struct{})}
}

// Register adds a connection for id and broadcasts the updated online list
// to everyone. The caller must have authenticated the session already.
func (r *Registry) Register(id string, c Conn) {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	r.mu.Lock()
	set := r.conns[id]
	if set == nil {
		set = make(map[Conn]struct{})
		r.conns[id] = set
	}
	set[c] = struct{}{}
	targets, online := r.snapshotLocked()
	r.mu.Unlock()

	log.Debugf("registered connection for %s (%d online)", id, len(online))
	broadcast(targets, online)
}

// Unregister removes a connection for id. Idempotent: unregistering a
// connection that was already removed (racing close events) is a no-op and
// triggers no broadcast. Removing the last connection of an identity
// broadcasts the shrunken online list.
func (r *Registry) Unregister(id string, c Conn) {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	r.mu.Lock()
	set, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, id)
	}
	targets, online := r.snapshotLocked()
	r.mu.Unlock()

	log.Debugf("unregistered connection for %s (%d online)", id, len(online))
	broadcast(targets, online)
}

// ConnectionsOf returns a copy of the live connection set for id.
func (r *Registry) ConnectionsOf(id string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[id]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// OnlineIdentities returns the sorted list of identities with at least one
// live connection.
func (r *Registry) OnlineIdentities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []string {
	online := make([]string, 0, len(r.conns))
	for id := range r.conns {
		online = append(online, id)
	}
	sort.Strings(online)
	return online
}

// snapshotLocked copies all connections and the online list so the broadcast
// can run outside the lock.
func (r *Registry) snapshotLocked() ([]Conn, []string) {
	var targets []Conn
	for _, set := range r.conns {
		for c := range set {
			targets = append(targets, c)
		}
	}
	return targets, r.onlineLocked()
}

// broadcast sends the full online snapshot to every live connection. Full
// snapshots over diffs: every client always holds a fresh global view, so
// out-of-order diff bugs cannot exist, at the cost of O(connections) traffic
// per join/leave. Callers hold broadcastMu, so snapshots always go out in
// the order the membership changes happened.
func broadcast(targets []Conn, online []string) {
	frame, err := json.Marshal(proto.Frame{Type: proto.FramePresence, Online: online})
	if err != nil {
		log.Errorf("marshal presence frame: %v", err)
		return
	}
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			log.Debugf("presence send to %s failed: %v", c.Identity(), err)
		}
	}
}

// PresenceFrame serializes the current online list as a presence frame, for
// answering explicit list requests.
func (r *Registry) PresenceFrame() []byte {
	frame, err := json.Marshal(proto.Frame{Type: proto.FramePresence, Online: r.OnlineIdentities()})
	if err != nil {
		log.Errorf("marshal presence frame: %v", err)
		return nil
	}
	return frame
}
