package cloudname

import (
	"context"
	"sync"
)

// dispatcher runs listener callbacks in order on its own goroutine, so a
// callback may call back into the handle that produced it.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{signal: make(chan struct{}, 1)}
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// run delivers until ctx is done, then flushes what is already queued.
func (d *dispatcher) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case <-d.signal:
			d.drain()
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
	}
}
