// Package registry keeps track of every open session, indexed by connection
// key and by group.
package registry

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/wsroute/internal/session"
)

// ErrDuplicateKey is returned by Register when a live session already holds
// the key.
var ErrDuplicateKey = errors.New("duplicate connection key")

// Registry is a concurrency-safe store of sessions. The primary map and the
// group index are only ever modified together under mu, so readers never
// observe a session present in one and missing from the other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session            // key -> session
	groups   map[string]map[string]*session.Session // group -> key -> session; "" is ungrouped
	logger   *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*session.Session),
		groups:   make(map[string]map[string]*session.Session),
		logger:   logger,
	}
}

// Register inserts s. It fails with ErrDuplicateKey if another session
// already holds s.Key; the existing session is left untouched.
func (r *Registry) Register(s *session.Session) error {
	if s == nil {
		return errors.New("nil session")
	}

	r.mu.Lock()
	if _, exists := r.sessions[s.Key]; exists {
		r.mu.Unlock()
		return ErrDuplicateKey
	}
	r.sessions[s.Key] = s
	members := r.groups[s.GroupID]
	if members == nil {
		members = make(map[string]*session.Session)
		r.groups[s.GroupID] = members
	}
	members[s.Key] = s
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debug("session registered",
		zap.String("key", s.Key),
		zap.String("group", s.GroupID),
		zap.Int("total", total),
	)
	return nil
}

// Unregister removes the session held under key. Removing an absent key is
// a no-op. It reports whether a session was removed.
func (r *Registry) Unregister(key string) bool {
	return r.remove(key, nil)
}

// Remove unregisters s only if it is the session currently held under its
// key. A stale session never evicts a newer holder of the same key.
func (r *Registry) Remove(s *session.Session) bool {
	if s == nil {
		return false
	}
	return r.remove(s.Key, s)
}

// remove deletes the entry for key. A non-nil want restricts removal to that
// exact instance.
func (r *Registry) remove(key string, want *session.Session) bool {
	r.mu.Lock()
	s, exists := r.sessions[key]
	if !exists || (want != nil && s != want) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, key)
	if members := r.groups[s.GroupID]; members != nil {
		delete(members, key)
		if len(members) == 0 {
			delete(r.groups, s.GroupID)
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debug("session unregistered",
		zap.String("key", key),
		zap.String("group", s.GroupID),
		zap.Int("total", total),
	)
	return true
}

// Snapshot returns a copy of all current sessions sorted by key. Later
// registry changes do not affect the returned slice.
func (r *Registry) Snapshot() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sortByKey(out)
	return out
}

// LookupByEndpoint returns the session whose key matches addr after
// normalization.
func (r *Registry) LookupByEndpoint(addr string) (*session.Session, bool) {
	key := session.NormalizeEndpoint(addr)

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// LookupByGroup returns the sessions in group, sorted by key. The empty
// group id selects ungrouped sessions.
func (r *Registry) LookupByGroup(groupID string) []*session.Session {
	r.mu.RLock()
	members := r.groups[groupID]
	if len(members) == 0 {
		r.mu.RUnlock()
		return nil
	}
	out := make([]*session.Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sortByKey(out)
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Groups returns the member count of every group, including the ungrouped
// bucket under "" when it is non-empty.
func (r *Registry) Groups() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.groups))
	for id, members := range r.groups {
		out[id] = len(members)
	}
	return out
}

func sortByKey(sessions []*session.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Key < sessions[j].Key
	})
}
