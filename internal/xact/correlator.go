package xact

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/smfctl/internal/observability"
	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyPending = errors.New("xact: transaction already pending")
	ErrUnknownStream  = errors.New("xact: unknown stream id")
	ErrInvalidClass   = errors.New("xact: invalid transaction class")
	ErrInvalidPolicy  = errors.New("xact: invalid pending policy")
)

// Stream is the transport handle of a caller waiting for a reply.
type Stream interface {
	Reply(status int, body []byte) error
}

// Policy decides what Assign does when the slot is already occupied.
type Policy string

const (
	// PolicyReject fails the second Assign with ErrAlreadyPending.
	PolicyReject Policy = "reject"
	// PolicyDisplace overwrites the slot and hands back the displaced
	// binding so its caller can be told.
	PolicyDisplace Policy = "displace"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyDisplace:
		return PolicyDisplace, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

// Binding is one pending transaction.
type Binding struct {
	ID         pdu.StreamID
	SessionID  pdu.SessionID
	Class      pdu.Class
	Stream     Stream
	AssignedAt time.Time
}

// Assignment is the result of Assign. Displaced is set only under
// PolicyDisplace when an older binding was overwritten.
type Assignment struct {
	Binding
	Displaced *Binding
}

type Options struct {
	PoolSize int
	Policy   Policy
	Shards   int
}

type bindingShard struct {
	mu    sync.RWMutex
	items map[pdu.StreamID]Binding
}

// Correlator records pending stream ids against session slots in the registry.
type Correlator struct {
	registry *pdu.Registry
	policy   Policy
	pool     *idPool
	shards   []*bindingShard
}

func New(registry *pdu.Registry, opts Options) *Correlator {
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.Shards <= 0 {
		opts.Shards = pdu.DefaultShards
	}
	c := &Correlator{
		registry: registry,
		policy:   opts.Policy,
		pool:     newIDPool(opts.PoolSize),
		shards:   make([]*bindingShard, opts.Shards),
	}
	for i := range c.shards {
		c.shards[i] = &bindingShard{items: make(map[pdu.StreamID]Binding)}
	}
	return c
}

func (c *Correlator) Policy() Policy {
	return c.policy
}

// MaxID is the upper bound of the stream id pool.
func (c *Correlator) MaxID() pdu.StreamID {
	return c.pool.max
}

func (c *Correlator) shard(id pdu.StreamID) *bindingShard {
	return c.shards[uint32(id)%uint32(len(c.shards))]
}

func (c *Correlator) put(b Binding) {
	sh := c.shard(b.ID)
	sh.mu.Lock()
	sh.items[b.ID] = b
	sh.mu.Unlock()
}

func (c *Correlator) take(id pdu.StreamID) (Binding, bool) {
	sh := c.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.items[id]
	if ok {
		delete(sh.items, id)
	}
	return b, ok
}

// Assign allocates a stream id for stream and records it in the session's
// class slot.
func (c *Correlator) Assign(sessionID pdu.SessionID, class pdu.Class, stream Stream) (Assignment, error) {
	if !class.Valid() {
		return Assignment{}, fmt.Errorf("%w: %d", ErrInvalidClass, class)
	}
	var out Assignment
	_, err := c.registry.Update(sessionID, func(s *pdu.Session) error {
		cur := s.Pending(class)
		occupied := cur.InRange(c.pool.max)
		if occupied && c.policy == PolicyReject {
			return fmt.Errorf("%w: session=%s class=%s stream_id=%d",
				ErrAlreadyPending, sessionID, class, cur)
		}
		id, err := c.pool.alloc()
		if err != nil {
			return err
		}
		if occupied {
			if prev, ok := c.take(cur); ok {
				out.Displaced = &prev
			}
			c.pool.release(cur)
		}
		out.Binding = Binding{
			ID:         id,
			SessionID:  sessionID,
			Class:      class,
			Stream:     stream,
			AssignedAt: time.Now(),
		}
		c.put(out.Binding)
		s.SetPending(class, id)
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	if out.Displaced == nil {
		observability.AddPending(class.String(), 1)
	} else {
		log.Warn().
			Str("session_id", sessionID.String()).
			Str("class", class.String()).
			Uint32("stream_id", uint32(out.ID)).
			Uint32("displaced_stream_id", uint32(out.Displaced.ID)).
			Msg("pending stream displaced")
	}
	return out, nil
}

// Resolve looks up the binding for id without consuming it.
func (c *Correlator) Resolve(id pdu.StreamID) (Binding, bool) {
	sh := c.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	b, ok := sh.items[id]
	return b, ok
}

// Complete consumes id: the binding is removed, the session slot cleared and
// the id returned to the pool. A second Complete for the same id fails.
func (c *Correlator) Complete(id pdu.StreamID) (Binding, error) {
	b, ok := c.take(id)
	if !ok {
		return Binding{}, fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	_, err := c.registry.Update(b.SessionID, func(s *pdu.Session) error {
		if s.Pending(b.Class) == id {
			s.SetPending(b.Class, 0)
		}
		return nil
	})
	if err != nil && !errors.Is(err, pdu.ErrSessionNotFound) {
		return Binding{}, err
	}
	c.pool.release(id)
	observability.AddPending(b.Class.String(), -1)
	return b, nil
}

// Clear empties the session's class slot whether or not it was set. The
// cleared binding is returned when there was one.
func (c *Correlator) Clear(sessionID pdu.SessionID, class pdu.Class) (Binding, bool, error) {
	if !class.Valid() {
		return Binding{}, false, fmt.Errorf("%w: %d", ErrInvalidClass, class)
	}
	var (
		cleared Binding
		found   bool
		freed   pdu.StreamID
	)
	_, err := c.registry.Update(sessionID, func(s *pdu.Session) error {
		cur := s.Pending(class)
		if cur == 0 {
			return nil
		}
		cleared, found = c.take(cur)
		freed = cur
		s.SetPending(class, 0)
		return nil
	})
	if err != nil {
		return Binding{}, false, err
	}
	if freed != 0 {
		c.pool.release(freed)
	}
	if found {
		observability.AddPending(class.String(), -1)
	}
	return cleared, found, nil
}

// ClearAll clears both slots of a session.
func (c *Correlator) ClearAll(sessionID pdu.SessionID) ([]Binding, error) {
	out := make([]Binding, 0, 2)
	for _, class := range []pdu.Class{pdu.ClassModify, pdu.ClassRelease} {
		b, ok, err := c.Clear(sessionID, class)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// Pending is the number of outstanding bindings.
func (c *Correlator) Pending() int {
	return c.pool.inUseCount()
}
