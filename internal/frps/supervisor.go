// Package frps supervises the external frp server daemon: it provisions the
// pinned binary release, renders the daemon's TOML config, keeps the process
// alive with exponential-backoff restarts, and exposes a client for the
// daemon's admin HTTP API.
package frps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/metrics"
)

// State describes the supervisor's view of the subprocess.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
)

const (
	readinessAttempts = 30
	readinessInterval = time.Second
	stopGrace         = 10 * time.Second
	maxRestartDelay   = 30 * time.Second
)

// SettingsFunc returns the current subprocess settings. The supervisor calls
// it before every spawn, so config edits take effect on the next restart.
type SettingsFunc func() Settings

// Options wires a Supervisor.
type Options struct {
	BinDir   string
	DataDir  string
	Settings SettingsFunc
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Supervisor owns the frps subprocess. Nothing else in the process may
// signal it.
//
// The zero value is not usable — create instances with New.
type Supervisor struct {
	binDir   string
	dataDir  string
	settings SettingsFunc
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	state        State
	cmd          *exec.Cmd
	waitDone     chan struct{}
	startedAt    time.Time
	restartCount int
	restartTimer *time.Timer
	stopping     bool
}

// New creates the supervisor in the stopped state.
func New(opts Options) *Supervisor {
	return &Supervisor{
		binDir:   opts.BinDir,
		dataDir:  opts.DataDir,
		settings: opts.Settings,
		log:      opts.Logger.Named("frps"),
		metrics:  opts.Metrics,
		state:    StateStopped,
	}
}

// Start provisions the binary, writes the config, and brings the subprocess
// up. It blocks until frps answers on its admin endpoint or the readiness
// budget is exhausted; a failed start leaves the supervisor stopped with no
// restart pending.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("frps: cannot start from state %s", state)
	}
	s.state = StateStarting
	s.stopping = false
	s.mu.Unlock()

	if err := s.spawn(ctx); err != nil {
		s.mu.Lock()
		s.cancelRestartLocked()
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}
	return nil
}

// spawn performs one full bring-up attempt: binary, config, process,
// readiness. On readiness failure the half-started process is torn down
// before the error is returned.
func (s *Supervisor) spawn(ctx context.Context) error {
	set := s.settings()

	bin, err := EnsureBinary(ctx, s.binDir, set.FrpVersion, s.log)
	if err != nil {
		return err
	}
	cfgPath, err := WriteConfig(s.dataDir, set)
	if err != nil {
		return err
	}

	cmd := exec.Command(bin, "-c", cfgPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("frps: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("frps: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("frps: spawn: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.waitDone = done
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.pipeOutput(stdout, "frps:stdout")
	go s.pipeOutput(stderr, "frps:stderr")
	go func() {
		err := cmd.Wait()
		close(done)
		s.onExit(err)
	}()

	s.log.Info("frps spawned", zap.Int("pid", cmd.Process.Pid), zap.String("config", cfgPath))

	admin := NewAdminClient(set.AdminAddr, set.AdminPort, set.AdminUser, set.AdminPassword)
	if err := s.waitReady(ctx, admin, done); err != nil {
		s.abandon(cmd, done)
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.restartCount = 0
	s.mu.Unlock()
	s.log.Info("frps is ready", zap.Int("pid", cmd.Process.Pid), zap.String("version", set.FrpVersion))
	return nil
}

// waitReady polls the admin endpoint until it answers, the process dies, or
// the attempt budget runs out.
func (s *Supervisor) waitReady(ctx context.Context, admin *AdminClient, done <-chan struct{}) error {
	for i := 0; i < readinessAttempts; i++ {
		if _, err := admin.ServerInfo(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return errors.New("frps: process exited before becoming ready")
		case <-time.After(readinessInterval):
		}
	}
	return fmt.Errorf("frps: not ready after %d probes", readinessAttempts)
}

// onExit runs when the subprocess exits for any reason. Unexpected exits
// schedule a restart with exponential backoff.
func (s *Supervisor) onExit(err error) {
	s.mu.Lock()
	s.cmd = nil
	if s.stopping {
		s.state = StateStopped
		s.mu.Unlock()
		return
	}
	s.state = StateRestarting
	delay := restartDelay(s.restartCount)
	s.restartCount++
	attempt := s.restartCount
	s.restartTimer = time.AfterFunc(delay, s.restartNow)
	s.mu.Unlock()

	s.metrics.FrpsRestarts.Inc()
	s.log.Warn("frps exited unexpectedly",
		zap.Error(err), zap.Duration("restart_in", delay), zap.Int("attempt", attempt))
}

// restartNow is the restart timer callback. A failed attempt reschedules
// itself with the next backoff step.
func (s *Supervisor) restartNow() {
	s.mu.Lock()
	if s.stopping || s.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.spawn(context.Background()); err != nil {
		s.log.Error("frps restart attempt failed", zap.Error(err))
		s.mu.Lock()
		if s.stopping {
			s.state = StateStopped
			s.mu.Unlock()
			return
		}
		s.state = StateRestarting
		delay := restartDelay(s.restartCount)
		s.restartCount++
		s.restartTimer = time.AfterFunc(delay, s.restartNow)
		s.mu.Unlock()
	}
}

// Stop tears the subprocess down (SIGTERM, then SIGKILL after the grace
// period) and cancels any pending restart. Safe to call from any state;
// repeat calls are no-ops.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.cancelRestartLocked()
	cmd, done := s.cmd, s.waitDone
	if cmd == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.log.Info("stopping frps", zap.Int("pid", cmd.Process.Pid))
	s.terminate(cmd, done)
}

// abandon kills a process that never became ready. The stopping flag keeps
// onExit from treating the kill as a crash.
func (s *Supervisor) abandon(cmd *exec.Cmd, done <-chan struct{}) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.terminate(cmd, done)

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()
}

func (s *Supervisor) terminate(cmd *exec.Cmd, done <-chan struct{}) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.log.Warn("frps ignored SIGTERM, killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-done
	}
}

func (s *Supervisor) cancelRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// Status reports the supervisor's current view of the subprocess.
type Status struct {
	State        State         `json:"state"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	Version      string        `json:"version"`
	RestartCount int           `json:"restart_count"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state,
		Version:      s.settings().FrpVersion,
		RestartCount: s.restartCount,
	}
	if s.state == StateRunning && s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
		st.Uptime = time.Since(s.startedAt).Round(time.Second)
	}
	return st
}

// Admin returns a client for the frps admin API built from current settings.
func (s *Supervisor) Admin() *AdminClient {
	set := s.settings()
	return NewAdminClient(set.AdminAddr, set.AdminPort, set.AdminUser, set.AdminPassword)
}

func (s *Supervisor) pipeOutput(r io.Reader, source string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		s.log.Info(sc.Text(), zap.String("source", source))
	}
}

// restartDelay is min(1s·2^k, 30s) for the k-th consecutive restart.
func restartDelay(k int) time.Duration {
	if k >= 5 {
		return maxRestartDelay
	}
	return time.Second << k
}
