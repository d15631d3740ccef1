// Package motd polls Minecraft servers behind freshly activated tunnels and
// reports the first reachable status to the originating chat group.
//
// A probe run is a fixed ladder of attempts per tunnel. The first success
// cancels the rest; only after every rung has failed is a failure reported.
// Results leave the package through a NotifyFn so the prober stays decoupled
// from the bot transport.
package motd

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/mcping"
	"github.com/AerNos/firefrp-server/internal/store"
)

const probeTimeout = 5 * time.Second

// defaultDelays is the attempt ladder measured from Schedule. Minecraft
// servers often take a minute or more to finish world generation, hence the
// widening gaps.
var defaultDelays = []time.Duration{
	15 * time.Second,
	1 * time.Minute,
	3 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// ProbeFn performs one status query against addr.
type ProbeFn func(ctx context.Context, addr string) (*mcping.Status, error)

// Result is the outcome of a probe run for one tunnel.
type Result struct {
	TunnelID string
	GroupID  string
	UserID   string
	UserName string
	Addr     string
	OK       bool
	Status   *mcping.Status // nil unless OK
	Attempts int
}

// NotifyFn receives the final outcome of a probe run. It is called at most
// once per scheduled tunnel, from a timer goroutine.
type NotifyFn func(res Result)

// Options configures a Prober.
type Options struct {
	// PublicAddr is the host clients connect to; probes target
	// PublicAddr:remotePort.
	PublicAddr string

	// Notify receives final outcomes. Required.
	Notify NotifyFn

	// Probe overrides the status query. Defaults to mcping.Ping with a
	// 5 second budget.
	Probe ProbeFn

	// Delays overrides the attempt ladder. Defaults to defaultDelays.
	Delays []time.Duration

	Logger *zap.Logger
}

// Prober schedules probe runs. The zero value is not usable — create
// instances with New.
type Prober struct {
	publicAddr string
	notify     NotifyFn
	probe      ProbeFn
	delays     []time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*job // keyed by tunnel id
	closed bool
}

// job tracks one tunnel's pending attempts.
type job struct {
	res    Result // template; Attempts/OK/Status filled at the end
	timers []*time.Timer
	fails  int
	done   bool
}

// New creates a Prober.
func New(opts Options) *Prober {
	p := &Prober{
		publicAddr: opts.PublicAddr,
		notify:     opts.Notify,
		probe:      opts.Probe,
		delays:     opts.Delays,
		logger:     opts.Logger,
		jobs:       make(map[string]*job),
	}
	if p.probe == nil {
		p.probe = func(ctx context.Context, addr string) (*mcping.Status, error) {
			ctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			return mcping.Ping(ctx, addr)
		}
	}
	if len(p.delays) == 0 {
		p.delays = defaultDelays
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Schedule starts a probe run for the key's tunnel. An existing run for the
// same tunnel id is replaced. No-op after CancelAll.
func (p *Prober) Schedule(rec *store.AccessKey) {
	addr := net.JoinHostPort(p.publicAddr, strconv.Itoa(rec.RemotePort))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if old, ok := p.jobs[rec.TunnelID]; ok {
		stopTimers(old)
	}

	j := &job{
		res: Result{
			TunnelID: rec.TunnelID,
			GroupID:  rec.GroupID,
			UserID:   rec.UserID,
			UserName: rec.UserName,
			Addr:     addr,
		},
		timers: make([]*time.Timer, 0, len(p.delays)),
	}
	p.jobs[rec.TunnelID] = j
	for i, d := range p.delays {
		attempt := i + 1
		j.timers = append(j.timers, time.AfterFunc(d, func() {
			p.attempt(rec.TunnelID, attempt)
		}))
	}
	p.logger.Debug("motd probe scheduled",
		zap.String("tunnel_id", rec.TunnelID),
		zap.String("addr", addr),
		zap.Int("attempts", len(p.delays)))
}

// Cancel stops the probe run for a tunnel, if any. No notification is sent.
func (p *Prober) Cancel(tunnelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j, ok := p.jobs[tunnelID]; ok {
		stopTimers(j)
		delete(p.jobs, tunnelID)
	}
}

// CancelAll stops every run and rejects future Schedules. Used at shutdown.
func (p *Prober) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, j := range p.jobs {
		stopTimers(j)
		delete(p.jobs, id)
	}
	p.closed = true
}

// attempt runs one probe for the tunnel. The network call happens outside
// the lock; the done flag keeps overlapping attempts from double-notifying.
func (p *Prober) attempt(tunnelID string, attempt int) {
	p.mu.Lock()
	j, ok := p.jobs[tunnelID]
	if !ok || j.done {
		p.mu.Unlock()
		return
	}
	addr := j.res.Addr
	p.mu.Unlock()

	status, err := p.probe(context.Background(), addr)

	p.mu.Lock()
	j, ok = p.jobs[tunnelID]
	if !ok || j.done {
		p.mu.Unlock()
		return
	}
	if err == nil {
		j.done = true
		stopTimers(j)
		delete(p.jobs, tunnelID)
		res := j.res
		res.OK = true
		res.Status = status
		res.Attempts = attempt
		p.mu.Unlock()

		p.logger.Info("minecraft server reachable",
			zap.String("tunnel_id", tunnelID),
			zap.String("addr", addr),
			zap.Int("attempt", attempt))
		p.notify(res)
		return
	}

	j.fails++
	exhausted := j.fails >= len(p.delays)
	if exhausted {
		j.done = true
		delete(p.jobs, tunnelID)
	}
	res := j.res
	res.Attempts = attempt
	p.mu.Unlock()

	p.logger.Debug("motd probe attempt failed",
		zap.String("tunnel_id", tunnelID),
		zap.Int("attempt", attempt),
		zap.Error(err))
	if exhausted {
		p.notify(res)
	}
}

func stopTimers(j *job) {
	for _, t := range j.timers {
		t.Stop()
	}
}
