// Package runner implements the top-level state machine orchestrating the
// execute/minimize/cleanse/fuzz/merge/stop workflows.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/google/realmfuzzer/pkg/adapter"
	"github.com/google/realmfuzzer/pkg/coverage"
	"github.com/google/realmfuzzer/pkg/eventpair"
	"github.com/google/realmfuzzer/pkg/fuzzstats"
	"github.com/google/realmfuzzer/pkg/corpus"
	"github.com/google/realmfuzzer/pkg/log"
	"github.com/google/realmfuzzer/pkg/options"
	"github.com/google/realmfuzzer/pkg/process"
	"github.com/google/realmfuzzer/pkg/shmem"
)

func parseRegionName(name string) (targetID uint64, moduleID string, err error) {
	return shmem.ParseName(name)
}

// Analysis selects what TestInputs does with a run's coverage.
type Analysis int

const (
	NoPostProcessing Analysis = iota
	AccumulateCoverage
	MeasureCoverageAndKeepInputs
	AccumulateCoverageAndKeepInputs
)

// CoverageEvent is one item of the coverage-data provider's push stream.
type CoverageEvent struct {
	// Exactly one of the following is set.
	NewProcess *NewProcessEvent
	NewModule  *NewModuleEvent
}

type NewProcessEvent struct {
	Handle process.Handle
	Self   *eventpair.Pair
	Fault  process.FaultSource
}

type NewModuleEvent struct {
	RegionName string // base64(target-id)/module-id
	Counters   []byte
}

// Runner is the engine's top-level state machine. All of its fields are
// touched only by the goroutine executing the active workflow, except
// stopped (atomic, callable from any goroutine) and the process-proxy
// module registration lock owned by each process.Proxy itself.
type Runner struct {
	opts options.Options
	pool *coverage.Pool

	seedCorpus *corpus.Corpus
	liveCorpus *corpus.Corpus
	dict       *corpus.Dictionary
	picker     *corpus.Picker
	mutagen    *corpus.Mutagen

	adapterParams []string
	testInput     *adapter.TestInputRegion
	client        *adapter.Client

	processesMu sync.Mutex
	processes   map[uint64]*process.Proxy

	generated   queue[corpus.Input]
	processed   queue[corpus.Input]
	leak        queue[leakItem]
	leakRetried map[string]bool

	runCounter   atomic.Uint64
	runID        string
	startTime    time.Time
	pulseTime    time.Time
	stopped      atomic.Bool
	workflowGate *semaphore.Weighted

	stats *fuzzstats.Collector

	// runLimit bounds a single run; zero means no bound. Set by Configure.
	runLimit time.Duration
}

type leakItem struct {
	input   corpus.Input
	attempt int
}

const maxLeakRetries = 1

// New constructs a Runner with no configured options and no attached
// processes. Configure must be called before running any workflow.
func New(stats *fuzzstats.Collector) *Runner {
	return &Runner{
		pool:         coverage.NewPool(),
		seedCorpus:   corpus.New(),
		liveCorpus:   corpus.New(),
		processes:    make(map[uint64]*process.Proxy),
		workflowGate: semaphore.NewWeighted(1),
		stats:        stats,
		testInput:    adapter.NewTestInputRegion(),
	}
}

// Configure copies options into the runner and into every existing process
// proxy, and loads the seed corpus from the given paths. The adapter client
// holds no options and is left unchanged.
func (r *Runner) Configure(opts options.Options, seedPaths []string, dict *corpus.Dictionary) error {
	r.opts = opts
	r.runLimit = opts.RunLimit
	r.dict = dict
	r.picker = corpus.NewPicker(opts.Seed, opts.DisableEntropic)
	r.mutagen = corpus.NewMutagen(opts.Seed, opts.MutationDepth, dict)

	r.processesMu.Lock()
	for _, p := range r.processes {
		p.Configure(opts)
	}
	r.processesMu.Unlock()

	if err := r.seedCorpus.Load(seedPaths, opts.MaxInputSize); err != nil {
		return err
	}
	return nil
}

// AttachAdapter wires the engine-facing target-adapter client, the other
// half of whose event-pair and test-input region are handed to the
// in-process driver by the caller.
func (r *Runner) AttachAdapter(self *eventpair.Pair, params []string) {
	r.adapterParams = params
	r.client = adapter.Connect(self, r.testInput, params)
}

// IngestCoverage subscribes to a coverage-data provider: a push stream of
// "new instrumented process" and "new LLVM module" events. It runs until
// events closes or ctx is done, which ends coverage ingestion for the whole
// workflow.
func (r *Runner) IngestCoverage(ctx context.Context, events <-chan CoverageEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleCoverageEvent(ctx, ev)
		}
	}
}

func (r *Runner) handleCoverageEvent(ctx context.Context, ev CoverageEvent) {
	switch {
	case ev.NewProcess != nil:
		p := process.NewProxy(r.pool)
		p.Configure(r.opts)
		if err := p.Connect(ctx, ev.NewProcess.Handle, ev.NewProcess.Self, ev.NewProcess.Fault); err != nil {
			log.Logf(0, "runner: failed to connect process: %v", err)
			return
		}
		r.processesMu.Lock()
		r.processes[p.TargetID()] = p
		r.processesMu.Unlock()
	case ev.NewModule != nil:
		targetID, moduleID, err := parseRegionName(ev.NewModule.RegionName)
		if err != nil {
			log.Logf(0, "runner: malformed module region %q: %v", ev.NewModule.RegionName, err)
			return
		}
		r.processesMu.Lock()
		p, ok := r.processes[targetID]
		r.processesMu.Unlock()
		if !ok {
			log.Logf(0, "runner: module for unknown target-id %d", targetID)
			return
		}
		if err := p.AddModule(targetID, coverage.ModuleID(moduleID), ev.NewModule.Counters); err != nil {
			log.Logf(0, "runner: add_module failed: %v", err)
		}
	}
}

func (r *Runner) processSnapshot() []*process.Proxy {
	r.processesMu.Lock()
	defer r.processesMu.Unlock()
	out := make([]*process.Proxy, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p)
	}
	return out
}

// Stop sets the stopped flag; the current workflow completes as soon as the
// current run ends. Idempotent: calling it again is a no-op.
func (r *Runner) Stop() {
	r.stopped.Store(true)
}

func (r *Runner) resetStopped() {
	r.stopped.Store(false)
}
