package pdu

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidOwner     = errors.New("pdu: invalid owner id")
	ErrSessionNotFound  = errors.New("pdu: session not found")
	ErrLocatorInUse     = errors.New("pdu: callback locator already bound")
	ErrSessionBusy      = errors.New("pdu: pending transaction outstanding")
	ErrSessionNotClosed = errors.New("pdu: release not complete")
	ErrInvalidState     = errors.New("pdu: invalid procedure state")
)

const DefaultShards = 32

type sessionShard struct {
	mu    sync.RWMutex
	items map[SessionID]*Session
}

type locatorShard struct {
	mu    sync.RWMutex
	items map[string]SessionID
}

// Registry stores sessions by id and, while set, by callback locator.
type Registry struct {
	sessions []*sessionShard
	locators []*locatorShard
	seq      atomic.Uint64
	count    atomic.Int64
}

func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		sessions: make([]*sessionShard, shards),
		locators: make([]*locatorShard, shards),
	}
	for i := 0; i < shards; i++ {
		r.sessions[i] = &sessionShard{items: make(map[SessionID]*Session)}
		r.locators[i] = &locatorShard{items: make(map[string]SessionID)}
	}
	return r
}

func (r *Registry) sessionShard(id SessionID) *sessionShard {
	return r.sessions[uint64(id)%uint64(len(r.sessions))]
}

func (r *Registry) locatorShard(locator string) *locatorShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(locator))
	return r.locators[h.Sum32()%uint32(len(r.locators))]
}

// Create registers a new session in Establishing for ownerID.
func (r *Registry) Create(ownerID string, psi uint8) (Session, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return Session{}, ErrInvalidOwner
	}
	now := time.Now()
	sess := &Session{
		ID:        SessionID(r.seq.Add(1)),
		OwnerID:   owner,
		PSI:       psi,
		State:     StateEstablishing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sh := r.sessionShard(sess.ID)
	sh.mu.Lock()
	sh.items[sess.ID] = sess
	sh.mu.Unlock()
	r.count.Add(1)
	return *sess, nil
}

// Find returns a snapshot of the session.
func (r *Registry) Find(id SessionID) (Session, bool) {
	sh := r.sessionShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.items[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// FindByLocator resolves a deferred-response locator to its session.
func (r *Registry) FindByLocator(locator string) (Session, bool) {
	key := strings.TrimSpace(locator)
	if key == "" {
		return Session{}, false
	}
	ls := r.locatorShard(key)
	ls.mu.RLock()
	id, ok := ls.items[key]
	ls.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	sess, ok := r.Find(id)
	if !ok || sess.CallbackLocator != key {
		return Session{}, false
	}
	return sess, true
}

// Update applies fn to a copy of the session under the shard lock and commits
// it when fn returns nil. CallbackLocator changes are mirrored into the
// locator index before commit.
func (r *Registry) Update(id SessionID, fn func(*Session) error) (Session, error) {
	sh := r.sessionShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.items[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	next := *cur
	if err := fn(&next); err != nil {
		return Session{}, err
	}
	next.ID = cur.ID
	next.CallbackLocator = strings.TrimSpace(next.CallbackLocator)
	if next.CallbackLocator != cur.CallbackLocator {
		if err := r.rebindLocator(id, cur.CallbackLocator, next.CallbackLocator); err != nil {
			return Session{}, err
		}
	}
	next.UpdatedAt = time.Now()
	*cur = next
	return next, nil
}

func (r *Registry) rebindLocator(id SessionID, prev, next string) error {
	if next != "" {
		ls := r.locatorShard(next)
		ls.mu.Lock()
		if owner, ok := ls.items[next]; ok && owner != id {
			ls.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrLocatorInUse, next)
		}
		ls.items[next] = id
		ls.mu.Unlock()
	}
	if prev != "" {
		ls := r.locatorShard(prev)
		ls.mu.Lock()
		if ls.items[prev] == id {
			delete(ls.items, prev)
		}
		ls.mu.Unlock()
	}
	return nil
}

// SetLocator binds locator to the session, replacing any previous locator.
func (r *Registry) SetLocator(id SessionID, locator string) (Session, error) {
	return r.Update(id, func(s *Session) error {
		s.CallbackLocator = locator
		return nil
	})
}

func (r *Registry) ClearLocator(id SessionID) (Session, error) {
	return r.SetLocator(id, "")
}

// Transition moves the session to state without touching pending slots.
func (r *Registry) Transition(id SessionID, state State) (Session, error) {
	if !state.Valid() {
		return Session{}, fmt.Errorf("%w: %d", ErrInvalidState, state)
	}
	return r.Update(id, func(s *Session) error {
		s.State = state
		return nil
	})
}

// Destroy removes a released, idle session and its locator binding.
func (r *Registry) Destroy(id SessionID) error {
	sh := r.sessionShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !sess.Idle() {
		return fmt.Errorf("%w: session %s modify=%d release=%d",
			ErrSessionBusy, id, sess.PendingModify, sess.PendingRelease)
	}
	if sess.State != StateReleased {
		return fmt.Errorf("%w: session %s state=%s", ErrSessionNotClosed, id, sess.State)
	}
	if sess.CallbackLocator != "" {
		_ = r.rebindLocator(id, sess.CallbackLocator, "")
	}
	delete(sh.items, id)
	r.count.Add(-1)
	return nil
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

// List returns session snapshots ordered by id.
func (r *Registry) List() []Session {
	out := make([]Session, 0, r.Len())
	for _, sh := range r.sessions {
		sh.mu.RLock()
		for _, sess := range sh.items {
			out = append(out, *sess)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
