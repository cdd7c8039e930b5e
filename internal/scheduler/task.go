package scheduler

import (
	"sync"
	"time"
)

// Task runs fn repeatedly with a fixed delay between the end of one run and
// the start of the next. Each Start opens a new generation; a timer armed by
// an older generation fires into nothing, so Stop followed by Start never
// leaves two loops running.
type Task struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
	gen      uint64
	running  bool
}

func NewTask(interval time.Duration, fn func()) *Task {
	return &Task{interval: interval, fn: fn}
}

// Start arms the task. It returns false if the task is already running.
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	t.running = true
	t.gen++
	t.arm(t.gen)
	return true
}

// Stop cancels the pending run. A run already in progress completes but is
// not re-armed.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// must hold t.mu
func (t *Task) arm(gen uint64) {
	t.timer = time.AfterFunc(t.interval, func() { t.tick(gen) })
}

func (t *Task) tick(gen uint64) {
	if !t.current(gen) {
		return
	}
	t.fn()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running && t.gen == gen {
		t.arm(gen)
	}
}

func (t *Task) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && t.gen == gen
}
