// internal/engine/enginetest/engine.go

// Package enginetest provides a scriptable in-memory engine that honours
// the blocking Run / non-blocking Quit and Stats call contract.
package enginetest

import (
	"sync"
	"time"
)

// InterruptedStatus is returned by Run when the run was interrupted
const InterruptedStatus = -9

// Engine is a test double for tunnel.Engine. Configure the exported fields
// before the engine is started.
type Engine struct {
	// ExitImmediately makes Run return Status at once
	ExitImmediately bool
	// ExitAfter makes Run return Status after the delay unless quit earlier
	ExitAfter time.Duration
	// Status is the exit status of Run
	Status int
	// IgnoreQuit makes Run ignore Quit; only Interrupt or Exit end it
	IgnoreQuit bool
	// SignalReady calls ready as soon as Run begins
	SignalReady bool
	// Counters and StatsErr are returned by Stats
	Counters []uint64
	StatsErr error

	mu         sync.Mutex
	runs       int
	quits      int
	interrupts int
	configs    [][]byte
	fds        []int
	active     int
	quit       chan struct{}
	interrupt  chan struct{}
	exit       chan int
	started    chan struct{}
}

// New returns an engine whose Run blocks until Quit
func New() *Engine {
	return &Engine{started: make(chan struct{}, 16)}
}

func (e *Engine) Run(config []byte, fd int, ready func()) int {
	e.mu.Lock()
	e.runs++
	e.active++
	e.configs = append(e.configs, append([]byte(nil), config...))
	e.fds = append(e.fds, fd)
	quit := make(chan struct{})
	interrupt := make(chan struct{})
	exit := make(chan int, 1)
	e.quit, e.interrupt, e.exit = quit, interrupt, exit
	started := e.started
	status := e.Status
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	if e.SignalReady {
		ready()
	}
	if e.ExitImmediately {
		return status
	}

	var after <-chan time.Time
	if e.ExitAfter > 0 {
		timer := time.NewTimer(e.ExitAfter)
		defer timer.Stop()
		after = timer.C
	}

	select {
	case <-quit:
		return 0
	case <-interrupt:
		return InterruptedStatus
	case s := <-exit:
		return s
	case <-after:
		return status
	}
}

func (e *Engine) Quit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quits++
	if e.IgnoreQuit || e.quit == nil {
		return
	}
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
}

func (e *Engine) Interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupts++
	if e.interrupt == nil {
		return
	}
	select {
	case <-e.interrupt:
	default:
		close(e.interrupt)
	}
}

// Exit makes the current Run return status, as if the engine failed on its own
func (e *Engine) Exit(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exit == nil {
		return
	}
	select {
	case e.exit <- status:
	default:
	}
}

func (e *Engine) Stats() ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.Counters...), e.StatsErr
}

// SetCounters replaces the counters returned by Stats
func (e *Engine) SetCounters(counters ...uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Counters = counters
}

// WaitStarted blocks until a Run call has begun or the timeout passes
func (e *Engine) WaitStarted(timeout time.Duration) bool {
	select {
	case <-e.started:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Runs is the number of Run calls so far
func (e *Engine) Runs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

// Active is the number of Run calls that have not returned
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) Quits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quits
}

func (e *Engine) Interrupts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interrupts
}

// LastConfig returns the config passed to the latest Run
func (e *Engine) LastConfig() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.configs) == 0 {
		return nil
	}
	return e.configs[len(e.configs)-1]
}

// LastFd returns the descriptor passed to the latest Run
func (e *Engine) LastFd() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.fds) == 0 {
		return -1
	}
	return e.fds[len(e.fds)-1]
}
