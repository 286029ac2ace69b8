package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/smfctl/internal/observability"
	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultWorkers = 16

var ErrStopped = errors.New("dispatch: stopped")

// Task runs on its session's lane. Tasks for the same key never overlap.
type Task func(ctx context.Context) error

type record struct {
	name       string
	key        uint64
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan error
}

type lane struct {
	index int
	mu    sync.Mutex
	q     *queue.Queue
	wake  chan struct{}
}

func (l *lane) push(rec *record) int {
	l.mu.Lock()
	l.q.Add(rec)
	depth := l.q.Length()
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return depth
}

func (l *lane) pop() (*record, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.q.Length() == 0 {
		return nil, 0
	}
	rec := l.q.Remove().(*record)
	return rec, l.q.Length()
}

// Dispatcher owns a fixed pool of lanes, one goroutine each.
type Dispatcher struct {
	lanes  []*lane
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func New(workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		lanes:  make([]*lane, workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = &lane{index: i, q: queue.New(), wake: make(chan struct{}, 1)}
		d.wg.Add(1)
		go d.run(d.lanes[i])
	}
	log.Debug().Int("workers", workers).Msg("dispatcher started")
	return d
}

func (d *Dispatcher) Workers() int {
	return len(d.lanes)
}

func (d *Dispatcher) laneFor(key uint64) *lane {
	return d.lanes[key%uint64(len(d.lanes))]
}

// Do runs task on key's lane and waits for it. If ctx ends first Do returns
// ctx.Err(); a task that has not started yet is then skipped.
func (d *Dispatcher) Do(ctx context.Context, key uint64, name string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return ErrStopped
	}
	ctx, span := observability.StartSpan(ctx, "dispatch."+name,
		attribute.Int64("session_key", int64(key)),
	)
	rec := &record{
		name:       name,
		key:        key,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan error, 1),
	}
	l := d.laneFor(key)
	depth := l.push(rec)
	d.mu.RUnlock()
	observability.SetLaneDepth(l.index, depth)

	var err error
	select {
	case err = <-rec.result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	observability.EndSpan(span, err)
	return err
}

func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.drain(l)
			return
		case <-l.wake:
		}
		for {
			if d.ctx.Err() != nil {
				d.drain(l)
				return
			}
			rec, depth := l.pop()
			if rec == nil {
				break
			}
			observability.SetLaneDepth(l.index, depth)
			d.execute(rec)
		}
	}
}

func (d *Dispatcher) execute(rec *record) {
	if err := rec.ctx.Err(); err != nil {
		rec.result <- err
		return
	}
	err := d.safeRun(rec)
	elapsed := time.Since(rec.enqueuedAt)
	if err != nil {
		log.Debug().
			Str("task", rec.name).
			Uint64("session_key", rec.key).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("task failed")
	}
	observability.RecordDispatch(rec.name, elapsed, err == nil)
	rec.result <- err
}

func (d *Dispatcher) safeRun(rec *record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task", rec.name).
				Uint64("session_key", rec.key).
				Interface("panic", r).
				Msg("task panicked")
			err = fmt.Errorf("dispatch: task %s panicked: %v", rec.name, r)
		}
	}()
	return rec.task(rec.ctx)
}

func (d *Dispatcher) drain(l *lane) {
	for {
		rec, _ := l.pop()
		if rec == nil {
			return
		}
		rec.result <- ErrStopped
	}
}

// Stop rejects new work, fails queued tasks with ErrStopped, and waits for
// running tasks to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	log.Debug().Msg("dispatcher stopped")
}
