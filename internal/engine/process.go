// internal/engine/process.go

// Package engine contains the packet engines the tunnel controller can drive.
package engine

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// DefaultBinary is looked up in PATH when no binary is configured
	DefaultBinary = "hev-socks5-tunnel"

	// TunFdEnv tells the engine which inherited descriptor is the tun device
	TunFdEnv = "HEV_SOCKS5_TUNNEL_TUN_FD"

	// childTunFd is the first ExtraFiles slot in the child
	childTunFd = 3

	// outputDrain bounds how long Run waits for child output after exit
	outputDrain = time.Second
)

// ErrStatsUnavailable is returned by Process.Stats; the engine binary does
// not expose its counters.
var ErrStatsUnavailable = errors.New("engine: stats unavailable")

// Process runs the hev-socks5-tunnel binary as a child process. The config is
// written to a temporary file and the tun descriptor is inherited as fd 3.
type Process struct {
	binary  string
	workDir string
	log     *log.Entry

	mu       sync.Mutex
	cmd      *exec.Cmd
	quitting bool
}

// Option configures a Process
type Option func(*Process)

// WithWorkDir sets where temporary config files are written
func WithWorkDir(dir string) Option {
	return func(p *Process) { p.workDir = dir }
}

func WithLogger(entry *log.Entry) Option {
	return func(p *Process) { p.log = entry }
}

// NewProcess creates an engine for binary, or DefaultBinary when empty
func NewProcess(binary string, opts ...Option) *Process {
	if binary == "" {
		binary = DefaultBinary
	}
	p := &Process{
		binary: binary,
		log:    log.WithField("component", "engine"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Binary returns the engine executable
func (p *Process) Binary() string {
	return p.binary
}

// Run starts the engine and blocks until it exits. It returns the exit code,
// the negated signal number when the child was killed, or -1 when the child
// could not be started. The binary has no readiness signal so ready is never
// called.
func (p *Process) Run(config []byte, fd int, ready func()) int {
	p.mu.Lock()
	p.quitting = false
	p.mu.Unlock()

	path, err := p.writeConfig(config)
	if err != nil {
		p.log.Errorf("❌ %v", err)
		return -1
	}
	defer os.Remove(path)

	dup, err := unix.Dup(fd)
	if err != nil {
		p.log.Errorf("❌ Failed to duplicate tun descriptor %d: %v", fd, err)
		return -1
	}
	tun := os.NewFile(uintptr(dup), "tun")
	defer tun.Close()

	stdout := p.log.WriterLevel(log.InfoLevel)
	defer stdout.Close()
	stderr := p.log.WriterLevel(log.WarnLevel)
	defer stderr.Close()

	cmd := exec.Command(p.binary, "-c", path)
	cmd.ExtraFiles = []*os.File{tun}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", TunFdEnv, childTunFd))
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = outputDrain

	if err := cmd.Start(); err != nil {
		p.log.Errorf("❌ Failed to start %s: %v", p.binary, err)
		return -1
	}

	p.mu.Lock()
	p.cmd = cmd
	pending := p.quitting
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cmd = nil
		p.mu.Unlock()
	}()

	p.log.Infof("Engine process %d started (%s)", cmd.Process.Pid, p.binary)
	if pending {
		cmd.Process.Signal(unix.SIGTERM)
	}

	status := exitStatus(cmd.Wait())
	p.log.Infof("Engine process %d exited with status %d", cmd.Process.Pid, status)
	return status
}

func (p *Process) writeConfig(config []byte) (string, error) {
	f, err := os.CreateTemp(p.workDir, "hev-socks5-tunnel-*.yml")
	if err != nil {
		return "", fmt.Errorf("failed to create engine config file: %w", err)
	}
	if _, err := f.Write(config); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write engine config file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write engine config file: %w", err)
	}
	return f.Name(), nil
}

// Quit asks the child to terminate. A Quit that arrives before the child is
// spawned is delivered right after the spawn.
func (p *Process) Quit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quitting = true
	if p.cmd != nil {
		p.cmd.Process.Signal(unix.SIGTERM)
	}
}

// Interrupt kills the child
func (p *Process) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		p.cmd.Process.Kill()
	}
}

func (p *Process) Stats() ([]uint64, error) {
	return nil, ErrStatsUnavailable
}

func exitStatus(err error) int {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return exitErr.ExitCode()
}
