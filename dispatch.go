package remotekit

import (
	"sync"
	"time"
)

// job is one queued transport attempt.
type job struct {
	run      func()
	abort    func()
	priority Priority
	enqueued time.Time
}

// dispatcher orders queued transport work by priority lane. Dispatch
// order is high before normal before low, except that a job whose queue
// wait exceeds the aging threshold is dispatched first regardless of
// lane, so no lane is starved indefinitely. Already-dispatched jobs are
// never reordered.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lanes  [3][]*job
	closed bool

	aging   time.Duration
	workers int
	wg      sync.WaitGroup
}

// defaultAgingThreshold is the queue wait after which a lower-priority
// job jumps the lanes.
const defaultAgingThreshold = 2 * time.Second

func newDispatcher(workers int, aging time.Duration) *dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if aging <= 0 {
		aging = defaultAgingThreshold
	}
	d := &dispatcher{aging: aging, workers: workers}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for {
		j := d.next()
		if j == nil {
			return
		}
		j.run()
	}
}

// enqueue queues a job for dispatch. Returns false when the dispatcher
// has been closed; the job is not queued in that case.
func (d *dispatcher) enqueue(j *job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if j.priority < PriorityLow || j.priority > PriorityHigh {
		j.priority = PriorityNormal
	}
	j.enqueued = time.Now()
	d.lanes[j.priority] = append(d.lanes[j.priority], j)
	d.cond.Signal()
	return true
}

// next blocks until a job is available or the dispatcher closes.
func (d *dispatcher) next() *job {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if j := d.pick(); j != nil {
			return j
		}
		if d.closed {
			return nil
		}
		d.cond.Wait()
	}
}

// pick selects the next job under the lock: the oldest over-age head
// first, then strict high-to-low lane order.
func (d *dispatcher) pick() *job {
	now := time.Now()

	overdueLane := -1
	var overdueSince time.Time
	for lane := int(PriorityLow); lane <= int(PriorityHigh); lane++ {
		q := d.lanes[lane]
		if len(q) == 0 {
			continue
		}
		head := q[0]
		if now.Sub(head.enqueued) >= d.aging {
			if overdueLane == -1 || head.enqueued.Before(overdueSince) {
				overdueLane = lane
				overdueSince = head.enqueued
			}
		}
	}
	if overdueLane >= 0 {
		return d.pop(overdueLane)
	}

	for lane := int(PriorityHigh); lane >= int(PriorityLow); lane-- {
		if len(d.lanes[lane]) > 0 {
			return d.pop(lane)
		}
	}
	return nil
}

func (d *dispatcher) pop(lane int) *job {
	q := d.lanes[lane]
	j := q[0]
	q[0] = nil
	d.lanes[lane] = q[1:]
	return j
}

// queued reports the number of jobs waiting for dispatch.
func (d *dispatcher) queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.lanes {
		n += len(q)
	}
	return n
}

// close stops the workers and aborts every still-queued job. Jobs already
// dispatched run to completion.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var orphans []*job
	for lane := range d.lanes {
		orphans = append(orphans, d.lanes[lane]...)
		d.lanes[lane] = nil
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, j := range orphans {
		if j.abort != nil {
			j.abort()
		}
	}
	d.wg.Wait()
}
