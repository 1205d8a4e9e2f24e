package order

// symbolQueue is a bounded FIFO of intents for one symbol with exactly one
// consumer goroutine, so a symbol never has two orders in flight.
type symbolQueue struct {
	ch chan Intent
}

func newSymbolQueue(size int) *symbolQueue {
	if size <= 0 {
		size = 16
	}
	return &symbolQueue{ch: make(chan Intent, size)}
}

// offer enqueues without blocking; false means the queue is full.
func (q *symbolQueue) offer(it Intent) bool {
	select {
	case q.ch <- it:
		return true
	default:
		return false
	}
}

func (q *symbolQueue) close() {
	close(q.ch)
}

// drain consumes intents with a handler until the queue is closed.
func (q *symbolQueue) drain(handler func(Intent)) {
	for it := range q.ch {
		handler(it)
	}
}
