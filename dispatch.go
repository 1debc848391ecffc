package wsboot

import (
	"sync"

	"github.com/eapache/queue"
)

// dispatcher runs connection callbacks one at a time on a single
// goroutine, in post order. It is the serialization point that lets
// the rest of the package keep per-connection state unlocked.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	stopped bool
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		tasks: queue.New(),
		done:  make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// post enqueues fn for execution. It reports false when the dispatcher
// has already been stopped.
func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.tasks.Add(fn)
	d.cond.Signal()
	d.mu.Unlock()
	return true
}

// stop rejects further posts. Tasks already queued still run; wait
// returns once the queue has drained.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) wait() {
	<-d.done
}

func (d *dispatcher) loop() {
	for {
		d.mu.Lock()
		for d.tasks.Length() == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.tasks.Length() == 0 {
			d.mu.Unlock()
			close(d.done)
			return
		}
		fn := d.tasks.Remove().(func())
		d.mu.Unlock()

		fn()
	}
}
