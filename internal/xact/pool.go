package xact

import (
	"errors"
	"sync"

	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/eapache/queue"
)

var ErrPoolExhausted = errors.New("xact: stream id pool exhausted")

const DefaultPoolSize = 8192

// idPool hands out ids in [MinStreamID, max]. Released ids queue behind
// never-used ones so a freed id is not handed straight back out.
type idPool struct {
	mu    sync.Mutex
	max   pdu.StreamID
	next  pdu.StreamID
	freed *queue.Queue
	inUse map[pdu.StreamID]struct{}
}

func newIDPool(size int) *idPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &idPool{
		max:   pdu.StreamID(size),
		next:  pdu.MinStreamID,
		freed: queue.New(),
		inUse: make(map[pdu.StreamID]struct{}),
	}
}

func (p *idPool) alloc() (pdu.StreamID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var id pdu.StreamID
	switch {
	case p.next <= p.max:
		id = p.next
		p.next++
	case p.freed.Length() > 0:
		id = p.freed.Remove().(pdu.StreamID)
	default:
		return 0, ErrPoolExhausted
	}
	p.inUse[id] = struct{}{}
	return id, nil
}

func (p *idPool) release(id pdu.StreamID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[id]; !ok {
		return
	}
	delete(p.inUse, id)
	p.freed.Add(id)
}

func (p *idPool) inUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
