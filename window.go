package wsboot

import "sync"

// windowBudget is a counting byte budget used for receive flow
// control: readers acquire budget before pulling payload off the wire,
// the stream owner grants more as it consumes.
type windowBudget struct {
	mu     sync.Mutex
	cond   *sync.Cond
	n      int
	closed bool
}

func newWindowBudget(n int) *windowBudget {
	w := &windowBudget{n: n}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// acquire blocks until some budget is available and takes up to max of
// it. It reports false when the budget has been closed.
func (w *windowBudget) acquire(max int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.n == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return 0, false
	}
	n := min(w.n, max)
	w.n -= n
	return n, true
}

// grant returns n bytes of budget and wakes a blocked reader.
func (w *windowBudget) grant(n int) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.n += n
	w.cond.Signal()
	w.mu.Unlock()
}

// close releases any blocked reader permanently.
func (w *windowBudget) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}
