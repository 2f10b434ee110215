package runner

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"

	"github.com/google/realmfuzzer/pkg/corpus"
	"github.com/google/realmfuzzer/pkg/fault"
	"github.com/google/realmfuzzer/pkg/log"
	"github.com/google/realmfuzzer/pkg/process"
)

// hexDiff renders a human-readable diff between the hex dumps of two byte
// slices, for the cleanse artifact's log: which bytes cleanse actually
// managed to blot out.
func hexDiff(before, after []byte) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(hex.EncodeToString(before), hex.EncodeToString(after), false)
	var b bytes.Buffer
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			fmt.Fprintf(&b, "+%s", d.Text)
		case diffmatchpatch.DiffDelete:
			fmt.Fprintf(&b, "-%s", d.Text)
		default:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

// settleDuration is how long Fuzz waits without a NEW update before it
// starts emitting power-of-two PULSE updates.
const settleDuration = 2 * time.Second

// kMaxProcessStats bounds how many per-process stats entries CollectStatus
// attaches, matching the upstream engine's own cap.
const kMaxProcessStats = 8

// StatusKind is the kind of status update a Fuzz monitor receives.
type StatusKind int

const (
	StatusInit StatusKind = iota
	StatusNew
	StatusPulse
	StatusDone
)

type StatusUpdate struct {
	Kind            StatusKind
	Runs            uint64
	CoveredPCs      int
	CoveredFeatures int
}

// Status is the result of CollectStatus.
type Status struct {
	RunID           string
	Running         bool
	Runs            uint64
	Elapsed         time.Duration
	CoveredPCs      int
	CoveredFeatures int
	CorpusNumInputs int
	CorpusTotalSize int
	ProcessStats    []process.ProcessStats
}

// acquireWorkflow enforces the single-workflow gate that makes Stop
// idempotent: only one workflow may run at a time. Each acquisition gets a
// fresh run id so log lines and status reports from concurrent callers
// (e.g. overlapping CLI invocations against the same fuzzer instance) can be
// told apart.
func (r *Runner) acquireWorkflow() error {
	if !r.workflowGate.TryAcquire(1) {
		return fault.New(fault.BadState, "runner: a workflow is already running")
	}
	r.resetStopped()
	r.runID = uuid.New().String()
	r.startTime = time.Now()
	r.pulseTime = r.startTime
	log.Logf(1, "runner[%s]: workflow started", r.runID)
	return nil
}

func (r *Runner) releaseWorkflow() {
	r.workflowGate.Release(1)
}

// prepare signals every process proxy's start and waits for all to ack, as
// the first step of every TestInputs loop.
func (r *Runner) prepare(ctx context.Context) error {
	procs := r.processSnapshot()
	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error { return p.Start(ctx, r.opts.DetectLeaks) })
	}
	return g.Wait()
}

// RunOne drives exactly one run: it increments the run counter, starts the
// per-process await_finish futures alongside the adapter's test_one_input,
// and reconciles the results. It returns a non-nil artifact the moment some
// process proxy's get_result reports a fault eligible under the current
// options, or a timeout artifact if run_limit elapses first.
func (r *Runner) RunOne(ctx context.Context, input corpus.Input) (artifact *fault.Artifact, leakSuspected bool, err error) {
	r.runCounter.Add(1)
	started := time.Now()
	defer func() {
		if r.stats != nil {
			r.stats.ObserveRunLatency(time.Since(started))
			r.stats.Runs.Inc()
		}
	}()

	runCtx := ctx
	if r.runLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.runLimit)
		defer cancel()
	}

	procs := r.processSnapshot()
	type finishResult struct {
		targetID uint64
		leak     bool
		err      error
	}
	results := make([]finishResult, len(procs))

	var g errgroup.Group
	for i, p := range procs {
		i, p := i, p
		g.Go(func() error {
			leak, ferr := p.AwaitFinish(runCtx)
			results[i] = finishResult{p.TargetID(), leak, ferr}
			return nil
		})
	}
	var aerr error
	g.Go(func() error {
		aerr = r.client.TestOneInput(runCtx, input.Data)
		for _, p := range procs {
			p.Finish()
		}
		return nil
	})
	g.Wait()

	var failed bool
	var failedTarget uint64
	for _, res := range results {
		if res.err != nil {
			failed = true
			failedTarget = res.targetID
			continue
		}
		leakSuspected = leakSuspected || res.leak
	}
	if aerr != nil && !failed {
		return nil, false, fault.Wrap(fault.PeerClosed, aerr, "runner: adapter disconnected mid-run")
	}

	if runCtx.Err() == context.DeadlineExceeded {
		var dumps bytes.Buffer
		for _, p := range procs {
			fmt.Fprintf(&dumps, "process %d:\n", p.TargetID())
			p.Dump(&dumps)
			dumps.WriteByte('\n')
		}
		return &fault.Artifact{Fault: fault.Timeout, Input: input.Data, Log: dumps.String()}, false, nil
	}

	if failed {
		r.processesMu.Lock()
		p := r.processes[failedTarget]
		delete(r.processes, failedTarget)
		r.processesMu.Unlock()
		if p != nil {
			result, rerr := p.GetResult(ctx)
			if rerr == nil && isEligibleFault(result, r.opts.DetectExits) {
				r.dropAllProcesses()
				return &fault.Artifact{Fault: result, Input: input.Data}, false, nil
			}
		}
	}

	return nil, leakSuspected, nil
}

func isEligibleFault(k fault.Kind, detectExits bool) bool {
	if k == fault.NoErrors {
		return false
	}
	if k == fault.Exit {
		return detectExits
	}
	return true
}

func (r *Runner) dropAllProcesses() {
	r.processesMu.Lock()
	defer r.processesMu.Unlock()
	for _, p := range r.processes {
		p.Disconnect()
	}
	r.processes = make(map[uint64]*process.Proxy)
}

// nextInput pulls from the leak queue first, then the generated queue.
func (r *Runner) nextInput() (corpus.Input, bool) {
	if li, ok := r.leak.Pop(); ok {
		return li.input, true
	}
	return r.generated.Pop()
}

// recycle returns a tested input's buffer to processed for reuse, unless
// the run suspected a leak and a leak-detection retry remains, in which
// case it is pushed to the leak queue instead.
func (r *Runner) recycle(input corpus.Input, leakSuspected bool) {
	key := string(input.Data)
	if leakSuspected {
		if r.leakRetried == nil {
			r.leakRetried = make(map[string]bool)
		}
		if !r.leakRetried[key] {
			r.leakRetried[key] = true
			r.leak.Push(leakItem{input: input, attempt: 1})
			return
		}
		delete(r.leakRetried, key)
	}
	r.processed.Push(input)
}

// analyze applies one of the four post-processing modes to a completed
// run's coverage.
func (r *Runner) analyze(input corpus.Input, mode Analysis) {
	switch mode {
	case NoPostProcessing:
	case AccumulateCoverage:
		r.pool.Accumulate()
	case MeasureCoverageAndKeepInputs:
		n := r.pool.Measure()
		if n > 0 {
			input.Features = n
			r.liveCorpus.Add(input)
		}
	case AccumulateCoverageAndKeepInputs:
		n := r.pool.Accumulate()
		if n > 0 {
			input.Features = n
			r.liveCorpus.Add(input)
		}
	}
}

// testInputs is the inner loop shared by Execute, Minimize, and Cleanse:
// reset pool counters once, then for each input re-prepare (signal every
// process's start and await its ack) before running it, until the queues
// are empty or a fault artifact is produced.
func (r *Runner) testInputs(ctx context.Context, mode Analysis) (*fault.Artifact, error) {
	r.pool.Clear()
	for {
		if r.stopped.Load() {
			return nil, nil
		}
		input, ok := r.nextInput()
		if !ok {
			return nil, nil
		}
		if err := r.prepare(ctx); err != nil {
			return nil, err
		}
		artifact, leak, err := r.RunOne(ctx, input)
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			return artifact, nil
		}
		r.analyze(input, mode)
		r.recycle(input, leak)
	}
}

// checkTriggersFault runs a single input through testInputs with no
// post-processing and reports whether it produced a fault artifact.
func (r *Runner) checkTriggersFault(ctx context.Context, data []byte) (*fault.Artifact, error) {
	r.generated.Push(corpus.Input{Data: data})
	return r.testInputs(ctx, NoPostProcessing)
}

// Execute feeds inputs directly into the generated queue and runs the loop
// with no post-processing, returning the first observed fault, or
// no-errors.
func (r *Runner) Execute(ctx context.Context, inputs [][]byte) (*fault.Artifact, error) {
	if err := r.acquireWorkflow(); err != nil {
		return nil, err
	}
	defer r.releaseWorkflow()

	for _, data := range inputs {
		r.generated.Push(corpus.Input{Data: data})
	}
	artifact, err := r.testInputs(ctx, NoPostProcessing)
	if err != nil {
		return nil, err
	}
	if artifact != nil {
		return artifact, nil
	}
	return &fault.Artifact{Fault: fault.NoErrors}, nil
}

// defaultMinimizePassTime bounds a truncation pass when neither Runs nor
// MaxTotalTime is configured, matching the default the original engine
// falls back to when FuzzInputs() is given no explicit bound.
const defaultMinimizePassTime = 10 * time.Minute

// Minimize verifies the input triggers a fault, then repeatedly truncates
// one byte and fuzzes the truncation for a bounded number of attempts: a
// same-fault hit becomes the new basis, a different fault stops the search
// keeping the previous basis, and no fault stops the search immediately.
func (r *Runner) Minimize(ctx context.Context, input []byte) (*fault.Artifact, error) {
	if err := r.acquireWorkflow(); err != nil {
		return nil, err
	}
	defer r.releaseWorkflow()

	artifact, err := r.checkTriggersFault(ctx, input)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fault.New(fault.InvalidArgument, "minimize: input does not trigger a fault")
	}
	want := artifact.Fault
	base := append([]byte(nil), input...)

	for len(base) > 0 && !r.stopped.Load() {
		truncated := base[:len(base)-1]
		found, ferr := r.fuzzPass(ctx, truncated)
		if ferr != nil {
			return nil, ferr
		}
		if found == nil || found.Fault != want {
			break
		}
		base = found.Input
	}
	return &fault.Artifact{Fault: want, Input: base}, nil
}

// fuzzPass mutates base, bounded by the same options.Runs/MaxTotalTime that
// bound Fuzz (falling back to defaultMinimizePassTime if neither is set),
// returning the first fault artifact found, or nil if none appeared.
func (r *Runner) fuzzPass(ctx context.Context, base []byte) (*fault.Artifact, error) {
	r.pool.Clear()
	r.mutagen.Reset(base, base)
	start := time.Now()
	maxTotalTime := r.opts.MaxTotalTime
	if r.opts.Runs == 0 && maxTotalTime == 0 {
		maxTotalTime = defaultMinimizePassTime
	}
	for attempt := 0; r.opts.Runs == 0 || uint64(attempt) < uint64(r.opts.Runs); attempt++ {
		if maxTotalTime > 0 && time.Since(start) >= maxTotalTime {
			break
		}
		if r.mutagen.AtDepthLimit() {
			r.mutagen.Reset(base, base)
		}
		mutated := r.mutagen.Mutate()
		artifact, err := r.checkTriggersFault(ctx, mutated)
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			return artifact, nil
		}
	}
	return nil, nil
}

const maxCleansePasses = 5

// Cleanse attempts up to five passes over the input bytes, replacing each
// byte that is not already 0x20 or 0xff with 0x20 then 0xff, keeping
// whichever replacement (if any) still triggers the original fault.
func (r *Runner) Cleanse(ctx context.Context, input []byte) (*fault.Artifact, error) {
	if err := r.acquireWorkflow(); err != nil {
		return nil, err
	}
	defer r.releaseWorkflow()

	artifact, err := r.checkTriggersFault(ctx, input)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fault.New(fault.InvalidArgument, "cleanse: input does not trigger a fault")
	}
	want := artifact.Fault
	result := append([]byte(nil), input...)

	for pass := 0; pass < maxCleansePasses && !r.stopped.Load(); pass++ {
		changed := false
		for i := range result {
			if result[i] == 0x20 || result[i] == 0xff {
				continue
			}
			orig := result[i]

			result[i] = 0x20
			a1, err := r.checkTriggersFault(ctx, result)
			if err != nil {
				return nil, err
			}
			if a1 != nil && a1.Fault == want {
				changed = true
				continue
			}

			result[i] = 0xff
			a2, err := r.checkTriggersFault(ctx, result)
			if err != nil {
				return nil, err
			}
			if a2 != nil && a2.Fault == want {
				changed = true
				continue
			}

			result[i] = orig
		}
		if !changed {
			break
		}
	}
	return &fault.Artifact{Fault: want, Input: result, Log: hexDiff(input, result)}, nil
}

// Fuzz runs the empty input, then the seed corpus, then the live corpus,
// then mutates indefinitely until runs/max_total_time/stop/a fault ends
// the workflow.
func (r *Runner) Fuzz(ctx context.Context, monitor func(StatusUpdate)) (*fault.Artifact, error) {
	if err := r.acquireWorkflow(); err != nil {
		return nil, err
	}
	defer r.releaseWorkflow()

	r.pool.Clear()
	if monitor != nil {
		monitor(StatusUpdate{Kind: StatusInit})
	}

	run := func(input corpus.Input) (*fault.Artifact, error) {
		if err := r.prepare(ctx); err != nil {
			return nil, err
		}
		artifact, leak, err := r.RunOne(ctx, input)
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			return artifact, nil
		}
		n := r.pool.Accumulate()
		if n > 0 {
			input.Features = n
			if r.liveCorpus.Add(input) {
				r.pulseTime = time.Now()
				if monitor != nil {
					monitor(StatusUpdate{Kind: StatusNew, Runs: r.runCounter.Load()})
				}
			}
		}
		r.recycle(input, leak)
		return nil, nil
	}

	finish := func(artifact *fault.Artifact, err error) (*fault.Artifact, error) {
		if monitor != nil {
			pcs, features := r.pool.GetCoverage()
			monitor(StatusUpdate{Kind: StatusDone, Runs: r.runCounter.Load(), CoveredPCs: pcs, CoveredFeatures: features})
		}
		return artifact, err
	}

	if artifact, err := run(corpus.Input{}); artifact != nil || err != nil {
		return finish(artifact, err)
	}
	for _, in := range r.seedCorpus.Snapshot() {
		if in.Data == nil {
			continue
		}
		if artifact, err := run(in); artifact != nil || err != nil {
			return finish(artifact, err)
		}
	}
	for _, in := range r.liveCorpus.Snapshot() {
		if in.Data == nil {
			continue
		}
		if artifact, err := run(in); artifact != nil || err != nil {
			return finish(artifact, err)
		}
	}

	nextPulse := uint64(1024)
	for {
		if r.stopped.Load() {
			break
		}
		if r.opts.Runs > 0 && r.runCounter.Load() >= uint64(r.opts.Runs) {
			break
		}
		if r.opts.MaxTotalTime > 0 && time.Since(r.startTime) >= r.opts.MaxTotalTime {
			break
		}
		base, _ := r.picker.Pick(r.liveCorpus)
		if r.mutagen.Depth() == 0 || r.mutagen.AtDepthLimit() {
			cross, _ := r.picker.Pick(r.liveCorpus)
			r.mutagen.Reset(base.Data, cross.Data)
		}
		mutated := r.mutagen.Mutate()
		if artifact, err := run(corpus.Input{Data: mutated}); artifact != nil || err != nil {
			return finish(artifact, err)
		}
		runs := r.runCounter.Load()
		if monitor != nil && runs >= nextPulse && time.Since(r.pulseTime) > settleDuration {
			pcs, features := r.pool.GetCoverage()
			monitor(StatusUpdate{Kind: StatusPulse, Runs: runs, CoveredPCs: pcs, CoveredFeatures: features})
			nextPulse *= 2
		}
	}
	return finish(nil, nil)
}

// Merge accumulates coverage from the seed corpus (failing invalid-argument
// if any seed input errors), then rebuilds the live corpus in two further
// passes: first keeping only inputs with coverage beyond the seed
// baseline, then re-accumulating in sorted order and keeping only inputs
// that still contribute new features, finally re-adding any live inputs
// that caused errors along the way.
func (r *Runner) Merge(ctx context.Context) (*fault.Artifact, error) {
	if err := r.acquireWorkflow(); err != nil {
		return nil, err
	}
	defer r.releaseWorkflow()

	r.pool.Clear()

	accumulateOrFail := func(data []byte) error {
		if err := r.prepare(ctx); err != nil {
			return err
		}
		artifact, leak, err := r.RunOne(ctx, corpus.Input{Data: data})
		if err != nil {
			return err
		}
		if artifact != nil {
			return fault.New(fault.InvalidArgument, "merge: seed input triggers %v", artifact.Fault)
		}
		r.pool.Accumulate()
		r.recycle(corpus.Input{Data: data}, leak)
		return nil
	}

	if err := accumulateOrFail(nil); err != nil {
		return nil, err
	}
	for _, in := range r.seedCorpus.Snapshot() {
		if in.Data == nil {
			continue
		}
		if err := accumulateOrFail(in.Data); err != nil {
			return nil, err
		}
	}

	liveInputs := r.liveCorpus.Snapshot()
	r.liveCorpus.Reset()

	var keptPhase2 []corpus.Input
	var setAside []corpus.Input
	for _, in := range liveInputs {
		if in.Data == nil {
			continue
		}
		if err := r.prepare(ctx); err != nil {
			return nil, err
		}
		artifact, leak, err := r.RunOne(ctx, in)
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			setAside = append(setAside, in)
			continue
		}
		n := r.pool.Measure()
		r.recycle(in, leak)
		if n > 0 {
			in.Features = n
			keptPhase2 = append(keptPhase2, in)
		}
	}

	// Re-order keptPhase2 by (size, features, lexicographic) using a
	// scratch corpus, which maintains that order on Add.
	ordered := corpus.New()
	for _, in := range keptPhase2 {
		ordered.Add(in)
	}

	r.liveCorpus.Reset()
	for _, in := range ordered.Snapshot() {
		if in.Data == nil {
			continue
		}
		if err := r.prepare(ctx); err != nil {
			return nil, err
		}
		artifact, leak, err := r.RunOne(ctx, in)
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			setAside = append(setAside, in)
			continue
		}
		n := r.pool.Accumulate()
		r.recycle(in, leak)
		if n > 0 {
			in.Features = n
			r.liveCorpus.Add(in)
		}
	}

	for _, in := range setAside {
		r.liveCorpus.Add(in)
	}
	return nil, nil
}

// CollectStatus returns the runner's current status, including up to
// kMaxProcessStats per-process stats entries.
func (r *Runner) CollectStatus() Status {
	pcs, features := r.pool.GetCoverage()
	procs := r.processSnapshot()
	sort.Slice(procs, func(i, j int) bool { return procs[i].TargetID() < procs[j].TargetID() })

	stats := make([]process.ProcessStats, 0, kMaxProcessStats)
	for i, p := range procs {
		if i >= kMaxProcessStats {
			break
		}
		s, err := p.GetStats()
		if err != nil {
			continue
		}
		stats = append(stats, s)
		if r.stats != nil {
			r.stats.ProcessRSS.WithLabelValues(strconv.FormatUint(p.TargetID(), 10)).Set(float64(s.RSSBytes))
		}
	}

	s := Status{
		RunID:           r.runID,
		Running:         !r.stopped.Load(),
		Runs:            r.runCounter.Load(),
		Elapsed:         time.Since(r.startTime),
		CoveredPCs:      pcs,
		CoveredFeatures: features,
		CorpusNumInputs: r.liveCorpus.NumInputs(),
		CorpusTotalSize: r.liveCorpus.TotalSize(),
		ProcessStats:    stats,
	}
	if r.stats != nil {
		r.stats.CoveredPCs.Set(float64(pcs))
		r.stats.CoveredFeatures.Set(float64(features))
		r.stats.CorpusInputs.Set(float64(s.CorpusNumInputs))
		r.stats.CorpusSize.Set(float64(s.CorpusTotalSize))
	}
	return s
}
