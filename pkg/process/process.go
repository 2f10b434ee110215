// Package process implements the process proxy: the engine-side handle to
// one instrumented process, covering its lifecycle, signalling, crash
// detection, and result attribution.
package process

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/realmfuzzer/pkg/coverage"
	"github.com/google/realmfuzzer/pkg/eventpair"
	"github.com/google/realmfuzzer/pkg/fault"
	"github.com/google/realmfuzzer/pkg/log"
	"github.com/google/realmfuzzer/pkg/options"
)

// State is the process proxy's lifecycle state.
type State int

const (
	Fresh State = iota
	Connected
	Signalling
	Faulted
	Terminated
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Connected:
		return "connected"
	case Signalling:
		return "signalling"
	case Faulted:
		return "faulted"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reserved target-id sentinels, never assigned to real processes.
const (
	InvalidTargetID uint64 = 0
	TimeoutTargetID uint64 = ^uint64(0)
)

// ProcessStats mirrors the engine's per-process stats (rss, cpu time) as
// reported by get_stats.
type ProcessStats struct {
	RSSBytes   uint64
	CPUNanos   uint64
	NumThreads int
}

// Handle abstracts the OS process this proxy tracks, standing in for a
// Zircon process handle. Callers supply the implementation; the tests in
// this module use fakes.
type Handle interface {
	TargetID() uint64
	// Wait blocks until the process terminates and returns its exit code.
	Wait(ctx context.Context) (exitCode int, err error)
	Stats() (ProcessStats, error)
	Dump(w io.Writer) error
	Kill()
}

// FaultSource delivers an asynchronous crash notification, standing in for
// a debug exception channel. Implementations send once and then may close.
type FaultSource interface {
	// Faulted returns a channel that is closed, or receives a value, the
	// moment the process is observed to have crashed independent of its
	// exit code.
	Faulted() <-chan struct{}
}

// Proxy is the engine-side handle to one instrumented process.
type Proxy struct {
	pool *coverage.Pool

	mu      sync.Mutex
	state   State
	opts    options.Options
	handle  Handle
	fault   FaultSource
	self    *eventpair.Pair
	result  fault.Kind
	hasWait bool

	modulesMu sync.Mutex
	modules   map[*coverage.Proxy][]byte

	targetID atomic.Uint64
}

// NewProxy creates an unconnected process proxy backed by pool for module
// registration.
func NewProxy(pool *coverage.Pool) *Proxy {
	return &Proxy{
		pool:    pool,
		state:   Fresh,
		modules: make(map[*coverage.Proxy][]byte),
	}
}

// Configure installs the fault-exit-code table.
func (p *Proxy) Configure(opts options.Options) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = opts
}

// Connect assigns a target-id from the handle's OS identity, rejects
// reserved ids, and registers a background task that records a crash as
// the tentative fault the moment the fault source fires.
func (p *Proxy) Connect(ctx context.Context, h Handle, self *eventpair.Pair, fs FaultSource) error {
	p.mu.Lock()
	if p.state != Fresh {
		p.mu.Unlock()
		return fault.New(fault.BadState, "process: proxy already connected")
	}
	id := h.TargetID()
	if id == InvalidTargetID || id == TimeoutTargetID {
		p.mu.Unlock()
		return fault.New(fault.InvalidArgument, "process: reserved target-id %d", id)
	}
	p.handle = h
	p.self = self
	p.fault = fs
	p.state = Connected
	p.targetID.Store(id)
	p.mu.Unlock()

	go p.watchFault(ctx)
	return nil
}

func (p *Proxy) watchFault(ctx context.Context) {
	if p.fault == nil {
		return
	}
	select {
	case <-p.fault.Faulted():
		p.mu.Lock()
		if p.result == fault.NoErrors {
			p.result = fault.Crash
		}
		p.state = Faulted
		p.mu.Unlock()
		log.Logf(1, "process %d: crash detected", p.TargetID())
	case <-ctx.Done():
	}
}

func (p *Proxy) TargetID() uint64 { return p.targetID.Load() }

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AddModule registers the counter buffer with the pool, given the target-id
// and module-id the caller parsed from the region name. It fails
// invalid-argument if the target-id disagrees with this proxy's. A
// duplicate module also fails with invalid-argument; there is no separate
// already-bound error kind, only the error message says "already-bound".
func (p *Proxy) AddModule(regionTargetID uint64, moduleID coverage.ModuleID, buf []byte) error {
	if regionTargetID != p.TargetID() {
		return fault.New(fault.InvalidArgument, "process: module target-id %d != proxy target-id %d",
			regionTargetID, p.TargetID())
	}
	modProxy, err := p.pool.GetOrCreate(moduleID, len(buf))
	if err != nil {
		return err
	}
	p.modulesMu.Lock()
	defer p.modulesMu.Unlock()
	if _, ok := p.modules[modProxy]; ok {
		return fault.New(fault.InvalidArgument, "process: duplicate module %q (already-bound)", moduleID)
	}
	if err := modProxy.Add(buf); err != nil {
		return err
	}
	p.modules[modProxy] = buf
	return nil
}

// Start signals the process to begin a run, with or without a full leak
// check, and waits for its kStart acknowledgement.
func (p *Proxy) Start(ctx context.Context, detectLeaks bool) error {
	bit := eventpair.KStart
	if detectLeaks {
		bit = eventpair.KStartLeakCheck
	}
	p.self.SignalPeer(bit)
	if _, err := p.self.WaitFor(ctx, eventpair.KStart); err != nil {
		return err
	}
	p.self.ClearSelf(eventpair.KStart)
	return nil
}

// Finish signals the process that the run is complete.
func (p *Proxy) Finish() {
	p.self.SignalPeer(eventpair.KFinish)
}

// AwaitFinish waits for the process to signal completion, returning whether
// a malloc/free imbalance ("leak suspected") was reported. On peer-close it
// fails with this proxy's target-id attached so the caller knows which
// process died.
func (p *Proxy) AwaitFinish(ctx context.Context) (leakSuspected bool, err error) {
	got, err := p.self.WaitFor(ctx, eventpair.KFinish|eventpair.KFinishWithLeaks)
	if err != nil {
		return false, fmt.Errorf("process %d: %w", p.TargetID(), err)
	}
	p.self.ClearSelf(eventpair.KFinish | eventpair.KFinishWithLeaks)
	return got == eventpair.KFinishWithLeaks, nil
}

// GetResult returns the tentative crash result if one was already observed;
// otherwise it waits for process termination and maps the exit code through
// the options table.
func (p *Proxy) GetResult(ctx context.Context) (fault.Kind, error) {
	p.mu.Lock()
	if p.result != fault.NoErrors {
		r := p.result
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	exitCode, err := p.handle.Wait(ctx)
	if err != nil {
		return fault.NoErrors, fault.Wrap(fault.PeerClosed, err, "process %d: wait failed", p.TargetID())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result != fault.NoErrors {
		return p.result, nil
	}
	switch {
	case exitCode == p.opts.MallocExitcode:
		p.result = fault.BadMalloc
	case exitCode == p.opts.DeathExitcode:
		p.result = fault.Death
	case exitCode == p.opts.LeakExitcode:
		p.result = fault.Leak
	case exitCode == p.opts.OOMExitcode:
		p.result = fault.OOM
	case exitCode != 0:
		p.result = fault.Exit
	default:
		p.result = fault.NoErrors
	}
	p.state = Terminated
	return p.result, nil
}

// Dump writes human-readable per-thread debug info, used for timeout
// reporting.
func (p *Proxy) Dump(w io.Writer) error {
	return p.handle.Dump(w)
}

// GetStats returns OS process stats.
func (p *Proxy) GetStats() (ProcessStats, error) {
	return p.handle.Stats()
}

// Disconnect deregisters every counter region from the pool and releases
// the process handle, matching the C++ destructor's teardown.
func (p *Proxy) Disconnect() {
	p.modulesMu.Lock()
	for modProxy, buf := range p.modules {
		modProxy.Remove(buf)
	}
	p.modules = make(map[*coverage.Proxy][]byte)
	p.modulesMu.Unlock()

	p.mu.Lock()
	if p.handle != nil {
		p.handle.Kill()
	}
	p.state = Terminated
	p.mu.Unlock()
}
