// internal/tunnel/controller.go
package tunnel

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultGracePeriod = 100 * time.Millisecond
	DefaultStopTimeout = 5 * time.Second
)

// State is the lifecycle state of a Controller
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// allowedTransition lists every edge of the lifecycle. Starting -> Idle is
// the failed-start edge, Running -> Idle an engine exit after start.
func allowedTransition(cur, next State) bool {
	switch cur {
	case StateIdle:
		return next == StateStarting
	case StateStarting:
		return next == StateRunning || next == StateIdle
	case StateRunning:
		return next == StateStopping || next == StateIdle
	case StateStopping:
		return next == StateIdle
	default:
		return false
	}
}

// StopResult is the outcome of Stop. None of the outcomes is a failure: the
// controller is Idle after every call.
type StopResult int

const (
	StopClean StopResult = iota
	StopNotRunning
	StopTimedOut
)

func (r StopResult) String() string {
	switch r {
	case StopClean:
		return "stopped"
	case StopNotRunning:
		return "not_running"
	case StopTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("stop_result(%d)", int(r))
	}
}

// Err returns ErrNotRunning for StopNotRunning and nil for a stop that ran
func (r StopResult) Err() error {
	if r == StopNotRunning {
		return ErrNotRunning
	}
	return nil
}

// ExitStatus records how the last engine run ended
type ExitStatus struct {
	Status    int
	StartedAt time.Time
	ExitedAt  time.Time
	// Requested is true when the run ended through Stop
	Requested bool
}

// Uptime is how long the run lasted
func (e ExitStatus) Uptime() time.Duration {
	return e.ExitedAt.Sub(e.StartedAt)
}

// run is one invocation of Engine.Run
type run struct {
	id        uint64
	fd        int
	startedAt time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	// written before done is closed
	status   int
	exitedAt time.Time
}

func (r *run) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

func (r *run) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Controller owns the single engine run: it starts the engine on a
// background goroutine, confirms the start, stops it with a bounded wait and
// reports its counters.
type Controller struct {
	engine      Engine
	log         *log.Entry
	gracePeriod time.Duration
	stopTimeout time.Duration

	// opMu serializes Start, Stop and Close. Readers never take it.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    State
	current  *run
	draining *run // abandoned by a timed out Stop, still inside Engine.Run
	lastExit *ExitStatus
	nextID   uint64
	closed   bool
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithGracePeriod sets how long Start waits for an early engine exit when the
// engine gives no readiness signal.
func WithGracePeriod(d time.Duration) ControllerOption {
	return func(c *Controller) { c.gracePeriod = d }
}

// WithStopTimeout bounds how long Stop waits for the engine to return
func WithStopTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.stopTimeout = d }
}

func WithLogger(entry *log.Entry) ControllerOption {
	return func(c *Controller) { c.log = entry }
}

// NewController creates an idle controller for engine
func NewController(engine Engine, opts ...ControllerOption) *Controller {
	if engine == nil {
		panic("tunnel.NewController: engine is nil")
	}
	c := &Controller{
		engine:      engine,
		log:         log.WithField("component", "tunnel"),
		gracePeriod: DefaultGracePeriod,
		stopTimeout: DefaultStopTimeout,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gracePeriod <= 0 {
		c.gracePeriod = DefaultGracePeriod
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = DefaultStopTimeout
	}
	return c
}

// setState moves to next. Callers hold c.mu.
func (c *Controller) setState(next State) {
	if !allowedTransition(c.state, next) {
		// Unreachable through the public API; keep the old state.
		c.log.Errorf("Rejected state transition %s -> %s", c.state, next)
		return
	}
	c.log.Debugf("State %s -> %s", c.state, next)
	c.state = next
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsRunning reports whether a started engine is confirmed and not stopping
func (c *Controller) IsRunning() bool {
	return c.State() == StateRunning
}

// Uptime returns how long the current run has been going, or zero
func (c *Controller) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateRunning || c.current == nil {
		return 0
	}
	return time.Since(c.current.startedAt)
}

// LastExit returns the exit record of the most recent finished run
func (c *Controller) LastExit() (ExitStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastExit == nil {
		return ExitStatus{}, false
	}
	return *c.lastExit, true
}

// StartFile loads an engine config file and starts the tunnel with it
func (c *Controller) StartFile(path string, dev Descriptor) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return c.Start(cfg, dev)
}

// Start launches the engine with cfg on dev and returns once the start is
// confirmed: either the engine reported readiness or it survived the grace
// period. dev stays owned by the caller, who must keep it open until Stop
// returns.
func (c *Controller) Start(cfg *Config, dev Descriptor) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}

	c.mu.RLock()
	closed, state, draining := c.closed, c.state, c.draining
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if state != StateIdle {
		return ErrAlreadyRunning
	}
	if draining != nil && !draining.exited() {
		return &StartError{Status: -1, Err: ErrEngineBusy}
	}

	fd, err := resolveDescriptor(c.engine, dev)
	if err != nil {
		return err
	}

	config := cfg.Marshal()
	c.log.Debugf("Generated engine config:\n%s", cfg.Redacted())

	c.mu.Lock()
	c.nextID++
	r := &run{
		id:        c.nextID,
		fd:        fd,
		startedAt: time.Now(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.current = r
	c.setState(StateStarting)
	c.mu.Unlock()

	c.log.Infof("Starting tunnel (run %d, fd %d, socks5 %s:%d)", r.id, fd, cfg.SOCKS5Address(), cfg.SOCKS5Port())
	go c.runEngine(r, config)

	timer := time.NewTimer(c.gracePeriod)
	defer timer.Stop()

	confirmedBy := "grace period"
	select {
	case <-r.done:
	case <-r.ready:
		confirmedBy = "engine"
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r.exited() {
		c.current = nil
		c.lastExit = &ExitStatus{Status: r.status, StartedAt: r.startedAt, ExitedAt: r.exitedAt}
		c.setState(StateIdle)
		c.log.Errorf("❌ Tunnel failed to start, engine exited with status %d", r.status)
		return &StartError{Status: r.status}
	}

	c.setState(StateRunning)
	c.log.Infof("✅ Tunnel running (confirmed by %s)", confirmedBy)
	return nil
}

// runEngine executes the blocking engine call for r and settles the state
// when the call returns.
func (c *Controller) runEngine(r *run, config []byte) {
	r.status = c.callEngine(r, config)
	r.exitedAt = time.Now()
	close(r.done)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == r && c.state == StateRunning {
		c.current = nil
		c.lastExit = &ExitStatus{Status: r.status, StartedAt: r.startedAt, ExitedAt: r.exitedAt}
		c.setState(StateIdle)
		if r.status != 0 {
			c.log.Errorf("Engine exited with status %d after %s", r.status, r.exitedAt.Sub(r.startedAt).Round(time.Millisecond))
		} else {
			c.log.Warnf("Engine exited on its own after %s", r.exitedAt.Sub(r.startedAt).Round(time.Millisecond))
		}
	}
	if c.draining == r {
		c.draining = nil
		c.log.Infof("Abandoned engine run %d finally exited with status %d", r.id, r.status)
	}
}

func (c *Controller) callEngine(r *run, config []byte) (status int) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Errorf("Engine run %d panicked: %v", r.id, p)
			status = -1
		}
	}()
	return c.engine.Run(config, r.fd, r.markReady)
}

// Stop asks the engine to quit and waits up to the stop timeout for it. The
// controller is Idle when Stop returns, whatever the result.
func (c *Controller) Stop() StopResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stop()
}

func (c *Controller) stop() StopResult {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		c.log.Warnf("Stop ignored: %v", StopNotRunning.Err())
		return StopNotRunning
	}
	r := c.current
	c.setState(StateStopping)
	c.mu.Unlock()

	c.log.Infof("Stopping tunnel (run %d)", r.id)
	c.engine.Quit()

	result := StopClean
	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		result = StopTimedOut
		c.log.Warnf("Engine did not stop within %s", c.stopTimeout)
		if i, ok := c.engine.(Interrupter); ok {
			c.log.Warn("Interrupting engine")
			i.Interrupt()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r.exited() {
		c.lastExit = &ExitStatus{Status: r.status, StartedAt: r.startedAt, ExitedAt: r.exitedAt, Requested: true}
	} else {
		c.draining = r
	}
	c.current = nil
	c.setState(StateIdle)
	c.log.Infof("🛑 Tunnel stopped (%s)", result)
	return result
}

// Close stops a running tunnel and refuses any later Start. It reports
// ErrEngineBusy when an abandoned engine run is still alive.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	running := c.state == StateRunning
	c.mu.RUnlock()
	if running {
		c.stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.draining != nil && !c.draining.exited() {
		return fmt.Errorf("close: %w", ErrEngineBusy)
	}
	return nil
}

// Stats returns the engine counters while running and a zero reading
// otherwise, including when the engine answers with a malformed reading.
func (c *Controller) Stats() Stats {
	if !c.IsRunning() {
		return Stats{}
	}
	stats, ok := statsFromCounters(c.engine.Stats())
	if !ok {
		c.log.Debug("Engine returned malformed stats")
	}
	return stats
}
