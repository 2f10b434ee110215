package runner

import (
	"context"
	"io"
	"sync"

	"github.com/google/realmfuzzer/pkg/eventpair"
	"github.com/google/realmfuzzer/pkg/process"
)

// fakeInstrumentedProcess simulates a single instrumented process for
// integration tests. It owns the process-side end of the engine<->process
// event-pair and a counter buffer registered with the runner's module
// pool. Its signal-responder goroutine (run) only handles the
// start/finish handshake; callers report exits and crashes directly via
// TriggerExit/TriggerCrash from inside the adapter's target function,
// standing in for the fact that, in the real engine, the target function
// and the instrumented process are the same OS process.
type fakeInstrumentedProcess struct {
	targetID uint64
	peer     *eventpair.Pair
	Counters []byte

	mu       sync.Mutex
	exitCode int
	exited   chan struct{}
	faulted  chan struct{}
}

func newFakeProcess(targetID uint64) *fakeInstrumentedProcess {
	return &fakeInstrumentedProcess{
		targetID: targetID,
		Counters: make([]byte, 8),
		exited:   make(chan struct{}),
		faulted:  make(chan struct{}),
	}
}

func (f *fakeInstrumentedProcess) TargetID() uint64 { return f.targetID }

func (f *fakeInstrumentedProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-f.exited:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeInstrumentedProcess) Stats() (process.ProcessStats, error) {
	return process.ProcessStats{RSSBytes: 1 << 20, NumThreads: 1}, nil
}

func (f *fakeInstrumentedProcess) Dump(w io.Writer) error {
	_, err := w.Write([]byte("no threads (fake process)\n"))
	return err
}

func (f *fakeInstrumentedProcess) Kill() {}

func (f *fakeInstrumentedProcess) Faulted() <-chan struct{} { return f.faulted }

// TriggerExit ends the fake process with the given exit code.
func (f *fakeInstrumentedProcess) TriggerExit(code int) {
	f.mu.Lock()
	select {
	case <-f.exited:
		f.mu.Unlock()
		return
	default:
	}
	f.exitCode = code
	f.mu.Unlock()
	close(f.exited)
	f.peer.Close()
}

// TriggerCrash reports an asynchronous crash independent of exit code.
func (f *fakeInstrumentedProcess) TriggerCrash() {
	select {
	case <-f.faulted:
	default:
		close(f.faulted)
	}
}

// run answers the start/finish handshake until ctx ends or the peer
// closes (e.g. after TriggerExit).
func (f *fakeInstrumentedProcess) run(ctx context.Context) {
	for {
		got, err := f.peer.WaitFor(ctx, eventpair.KStart|eventpair.KStartLeakCheck)
		if err != nil {
			return
		}
		f.peer.ClearSelf(got)
		f.peer.SignalPeer(eventpair.KStart)

		if _, err := f.peer.WaitFor(ctx, eventpair.KFinish); err != nil {
			return
		}
		f.peer.ClearSelf(eventpair.KFinish)
		f.peer.SignalPeer(eventpair.KFinish)
	}
}
