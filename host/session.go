package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/ternvm/tern/manifest"
	"github.com/ternvm/tern/vm"
)

// task is a unit of work executed on the session's worker goroutine.
type task struct {
	run   func() (any, error)
	reply chan taskResult
}

type taskResult struct {
	value any
	err   error
}

// Session owns one execution context and a worker goroutine that
// serializes all access to it. Callers from any goroutine submit work
// and block for the result; Cancel bypasses the queue and interrupts
// the in-flight run directly.
type Session struct {
	id  string
	ctx *vm.ExecutionContext
	log commonlog.Logger

	tasks  chan task
	done   chan struct{}
	exited chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func newSession(limits manifest.Limits, log commonlog.Logger) *Session {
	ctx := vm.NewContext(vm.Config{
		StepBudget: limits.StepBudget,
		MaxFrames:  limits.StackDepth,
		HeapGrowth: limits.HeapGrowth,
	})
	s := &Session{
		id:     ctx.ID(),
		ctx:    ctx,
		log:    log,
		tasks:  make(chan task, 16),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.worker()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) worker() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			// Fail queued tasks instead of leaving submitters hanging.
			for {
				select {
				case t := <-s.tasks:
					t.reply <- taskResult{err: fmt.Errorf("session %s is closed", s.id)}
				default:
					s.ctx.Close()
					s.log.Infof("session %s closed", s.id)
					return
				}
			}
		case t := <-s.tasks:
			t.reply <- s.runTask(t)
		}
	}
}

// runTask executes one task, converting panics into errors so a bug in
// host-submitted work cannot take the worker down.
func (s *Session) runTask(t task) (res taskResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("session %s: task panic: %v", s.id, r)
			res = taskResult{err: fmt.Errorf("session %s: internal error: %v", s.id, r)}
		}
	}()
	v, err := t.run()
	return taskResult{value: v, err: err}
}

func (s *Session) submit(fn func() (any, error)) (any, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("session %s is closed", s.id)
	}
	t := task{run: fn, reply: make(chan taskResult, 1)}
	s.tasks <- t
	s.mu.RUnlock()

	r := <-t.reply
	return r.value, r.err
}

// Run executes a top-level code object in the session's context.
func (s *Session) Run(code *vm.CodeObject) (any, error) {
	return s.submit(func() (any, error) {
		return s.ctx.Run(code)
	})
}

// Invoke calls a global function in the session's context.
func (s *Session) Invoke(name string, args ...any) (any, error) {
	return s.submit(func() (any, error) {
		return s.ctx.Invoke(name, args...)
	})
}

// SetGlobal installs a host value as a global in the session's context.
func (s *Session) SetGlobal(name string, v any) error {
	_, err := s.submit(func() (any, error) {
		return nil, s.ctx.SetGlobal(name, v)
	})
	return err
}

// Global reads a global from the session's context.
func (s *Session) Global(name string) (any, bool, error) {
	var found bool
	v, err := s.submit(func() (any, error) {
		out, ok, err := s.ctx.Global(name)
		found = ok
		return out, err
	})
	return v, found, err
}

// SetStepBudget resets the context's instruction budget.
func (s *Session) SetStepBudget(limit uint64) error {
	_, err := s.submit(func() (any, error) {
		s.ctx.SetStepBudget(limit)
		return nil, nil
	})
	return err
}

// Collect forces a garbage collection in the session's context.
func (s *Session) Collect() (int, error) {
	v, err := s.submit(func() (any, error) {
		return s.ctx.Collect(), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Cancel interrupts the session's in-flight run. Unlike every other
// method it does not go through the worker queue, so it works even
// while the worker is busy.
func (s *Session) Cancel() {
	s.ctx.Cancel()
}

// ClearCancel re-arms the session after a Cancel.
func (s *Session) ClearCancel() error {
	_, err := s.submit(func() (any, error) {
		s.ctx.ClearCancel()
		return nil, nil
	})
	return err
}

// beginClose cancels in-flight work and tells the worker to stop. It
// does not wait for the worker to exit. Idempotent.
func (s *Session) beginClose() {
	s.closeOnce.Do(func() {
		// Cancel first so a spinning run lets the worker drain.
		s.ctx.Cancel()
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()
	})
}

// Close cancels any in-flight work and stops the worker. Blocks until
// the worker has exited. Idempotent.
func (s *Session) Close() {
	s.beginClose()
	<-s.exited
}

// closeWithin is Close with a deadline: it waits at most d for the
// worker to exit and reports whether it did. The session is marked
// closed either way; a worker stuck in a host-submitted task keeps its
// goroutine until that task returns.
func (s *Session) closeWithin(d time.Duration) bool {
	s.beginClose()
	select {
	case <-s.exited:
		return true
	case <-time.After(d):
		return false
	}
}
