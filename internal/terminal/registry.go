package terminal

import (
	"sort"
	"sync"
)

// Registry maps session keys to sessions. Sessions are created on first
// reference and live as long as the gateway; only client sockets come and
// go.
type Registry struct {
	opts SessionOptions

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry whose sessions share opts.
func NewRegistry(opts SessionOptions) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// SessionKey namespaces a client session id with an optional embedding
// context so two dashboards using the same ids do not collide.
func SessionKey(prefix, id string) string {
	if prefix == "" {
		return id
	}
	return prefix + "/" + id
}

// GetOrCreate returns the session for (prefix, id), creating it if needed.
func (r *Registry) GetOrCreate(prefix, id string) *Session {
	key := SessionKey(prefix, id)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		s = newSession(key, id, r.opts)
		r.sessions[key] = s
	}
	return s
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(prefix, id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[SessionKey(prefix, id)]
	return s, ok
}

// Dispatch routes a packet from c to the session it addresses.
func (r *Registry) Dispatch(prefix string, c Conn, p Packet) error {
	return r.GetOrCreate(prefix, p.ID).Handle(c, p)
}

// Detach removes c from every session. A socket does not track which
// sessions it joined, so all of them are visited.
func (r *Registry) Detach(c Conn) {
	for _, s := range r.snapshot() {
		s.Detach(c)
	}
}

// CloseAll closes the sockets of every session, used on shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.CloseAll()
	}
}

// List returns info for every session ordered by key.
func (r *Registry) List() []SessionInfo {
	sessions := r.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
