package wire

import (
	"time"
)

// task is one unit of engine work. destroy releases whatever work would have
// consumed when the task is dropped instead of run.
type task struct {
	work    func()
	destroy func()
}

func (t task) drop() {
	if t.destroy != nil {
		t.destroy()
	}
}

// post queues work for the engine goroutine. It never blocks: when the engine
// is stopped or the queue is full, destroy runs on the caller's goroutine and
// the error says why.
func (e *Engine) post(work, destroy func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t := task{work: work, destroy: destroy}
	if !e.running {
		t.drop()
		return ErrEngineStopped
	}
	select {
	case e.tasks <- t:
		return nil
	default:
		t.drop()
		return ErrQueueFull
	}
}

// postInternal queues a timer expiry or a security service completion. These
// bypass the bounded queue and run before any queued task, so a full queue
// cannot lose them. The only failure is a stopped engine.
func (e *Engine) postInternal(work func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.running {
		return ErrEngineStopped
	}
	e.internalMu.Lock()
	e.internal = append(e.internal, task{work: work})
	e.internalMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

func (e *Engine) nextInternal() (task, bool) {
	e.internalMu.Lock()
	defer e.internalMu.Unlock()
	if len(e.internal) == 0 {
		return task{}, false
	}
	t := e.internal[0]
	e.internal[0] = task{}
	e.internal = e.internal[1:]
	return t, true
}

func (e *Engine) stopping() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

// loop runs internal completions first, then tasks in arrival order, until
// Stop. Nothing runs once Stop has begun: a task picked up after that is
// destroyed instead.
func (e *Engine) loop() {
	defer close(e.done)
	for {
		if e.stopping() {
			return
		}
		if t, ok := e.nextInternal(); ok {
			t.work()
			continue
		}
		select {
		case <-e.wake:
		case t := <-e.tasks:
			if e.stopping() {
				t.drop()
				return
			}
			t.work()
		case <-e.quit:
			return
		}
	}
}

// drain destroys tasks left in the queue after the loop exits
func (e *Engine) drain() int {
	e.internalMu.Lock()
	n := len(e.internal)
	e.internal = nil
	e.internalMu.Unlock()

	for {
		select {
		case t := <-e.tasks:
			t.drop()
			n++
		default:
			return n
		}
	}
}

// alarm is a one-shot timer whose expiry runs on the engine goroutine.
// stopped is only touched from the engine goroutine.
type alarm struct {
	timer   *time.Timer
	stopped bool
}

// setAlarm arms fire to run on the engine goroutine after d, unless the alarm
// is cancelled first
func (e *Engine) setAlarm(d time.Duration, fire func()) *alarm {
	a := &alarm{}
	a.timer = time.AfterFunc(d, func() {
		err := e.postInternal(func() {
			if a.stopped {
				return
			}
			a.stopped = true
			fire()
		})
		if err != nil {
			e.log.Debug("alarm after stop: %v", err)
		}
	})
	return a
}

// cancel stops the alarm. Cancelling a nil, fired or cancelled alarm is a
// no-op.
func (a *alarm) cancel() {
	if a == nil || a.stopped {
		return
	}
	a.stopped = true
	a.timer.Stop()
}
