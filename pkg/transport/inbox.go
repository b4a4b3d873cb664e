package transport

import "sync"

// inbox runs queued deliveries on one goroutine, in order.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   func()
	wg     sync.WaitGroup
}

// newInbox starts the delivery goroutine. done, if set, runs after every item.
func newInbox(done func()) *inbox {
	ib := &inbox{done: done}
	ib.cond = sync.NewCond(&ib.mu)

	ib.wg.Add(1)

	go ib.run()

	return ib
}

// push queues fn. Returns false once the inbox is closed.
func (ib *inbox) push(fn func()) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.closed {
		return false
	}

	ib.items = append(ib.items, fn)
	ib.cond.Signal()

	return true
}

func (ib *inbox) run() {
	defer ib.wg.Done()

	for {
		ib.mu.Lock()

		for len(ib.items) == 0 && !ib.closed {
			ib.cond.Wait()
		}

		if len(ib.items) == 0 {
			ib.mu.Unlock()

			return
		}

		fn := ib.items[0]
		ib.items[0] = nil
		ib.items = ib.items[1:]

		ib.mu.Unlock()

		fn()

		if ib.done != nil {
			ib.done()
		}
	}
}

// close stops accepting items, drains what is queued and waits for the goroutine.
// Must not be called from a queued item.
func (ib *inbox) close() {
	ib.mu.Lock()
	ib.closed = true
	ib.cond.Broadcast()
	ib.mu.Unlock()

	ib.wg.Wait()
}
