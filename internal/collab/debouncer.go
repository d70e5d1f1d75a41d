package collab

import (
	"sync"
	"time"
)

// Debouncer runs an action for a key once no Schedule call for that key has
// happened for the configured delay. Each key owns at most one pending timer,
// and actions for the same key never overlap: a timer firing while the
// previous run is still in flight queues one follow-up run instead.
type Debouncer struct {
	delay  time.Duration
	action func(key string)

	mu         sync.Mutex
	pending    map[string]*pendingTask
	inFlight   map[string]bool
	rerun      map[string]bool
	generation uint64
	closed     bool
	active     sync.WaitGroup
}

type pendingTask struct {
	timer      *time.Timer
	generation uint64
}

// NewDebouncer constructs a debouncer invoking action after delay.
func NewDebouncer(delay time.Duration, action func(key string)) *Debouncer {
	return &Debouncer{
		delay:    delay,
		action:   action,
		pending:  make(map[string]*pendingTask),
		inFlight: make(map[string]bool),
		rerun:    make(map[string]bool),
	}
}

// Schedule cancels any pending run for key and starts a fresh delay.
// It reports false once the debouncer is closed.
func (d *Debouncer) Schedule(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if task, ok := d.pending[key]; ok {
		task.timer.Stop()
	}
	d.generation++
	generation := d.generation
	d.pending[key] = &pendingTask{
		generation: generation,
		timer: time.AfterFunc(d.delay, func() {
			d.fire(key, generation)
		}),
	}
	return true
}

// Cancel drops the pending and queued runs for key, reporting whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	queued := d.rerun[key]
	delete(d.rerun, key)
	task, ok := d.pending[key]
	if !ok {
		return queued
	}
	task.timer.Stop()
	delete(d.pending, key)
	return true
}

// Pending reports whether key has a scheduled or queued run.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok || d.rerun[key]
}

// Len returns the number of keys with a scheduled or queued run.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := len(d.pending)
	for key := range d.rerun {
		if _, scheduled := d.pending[key]; !scheduled {
			count++
		}
	}
	return count
}

// Close cancels every pending run and waits for in-flight actions.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	for key, task := range d.pending {
		task.timer.Stop()
		delete(d.pending, key)
	}
	for key := range d.rerun {
		delete(d.rerun, key)
	}
	d.mu.Unlock()
	d.active.Wait()
}

// fire clears the pending entry before the action runs, whatever its outcome.
func (d *Debouncer) fire(key string, generation uint64) {
	d.mu.Lock()
	task, ok := d.pending[key]
	if d.closed || !ok || task.generation != generation {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	if d.inFlight[key] {
		d.rerun[key] = true
		d.mu.Unlock()
		return
	}
	d.inFlight[key] = true
	d.active.Add(1)
	d.mu.Unlock()

	defer d.active.Done()
	for {
		d.action(key)

		d.mu.Lock()
		if d.closed || !d.rerun[key] {
			delete(d.inFlight, key)
			delete(d.rerun, key)
			d.mu.Unlock()
			return
		}
		delete(d.rerun, key)
		d.mu.Unlock()
	}
}
