package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/realmfuzzer/pkg/coverage"
	"github.com/google/realmfuzzer/pkg/eventpair"
	"github.com/google/realmfuzzer/pkg/fault"
	"github.com/google/realmfuzzer/pkg/options"
)

type fakeHandle struct {
	id       uint64
	exitCode int
	exited   chan struct{}
}

func newFakeHandle(id uint64) *fakeHandle {
	return &fakeHandle{id: id, exited: make(chan struct{})}
}

func (h *fakeHandle) TargetID() uint64 { return h.id }
func (h *fakeHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.exited:
		return h.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
func (h *fakeHandle) Stats() (ProcessStats, error) {
	return ProcessStats{RSSBytes: 4096, NumThreads: 2}, nil
}
func (h *fakeHandle) Dump(w io.Writer) error {
	_, err := io.WriteString(w, "thread 1: <fake backtrace>\n")
	return err
}
func (h *fakeHandle) Kill() {}

func (h *fakeHandle) exit(code int) {
	h.exitCode = code
	close(h.exited)
}

type fakeFaultSource struct {
	faulted chan struct{}
}

func newFakeFaultSource() *fakeFaultSource { return &fakeFaultSource{faulted: make(chan struct{})} }
func (f *fakeFaultSource) Faulted() <-chan struct{} { return f.faulted }
func (f *fakeFaultSource) trigger()                 { close(f.faulted) }

func TestConnectRejectsReservedTargetIDs(t *testing.T) {
	p := NewProxy(coverage.NewPool())
	self, _ := eventpair.New()
	for _, id := range []uint64{InvalidTargetID, TimeoutTargetID} {
		h := newFakeHandle(id)
		err := p.Connect(context.Background(), h, self, nil)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.InvalidArgument))
	}
}

func TestConnectTwiceFailsBadState(t *testing.T) {
	p := NewProxy(coverage.NewPool())
	self, _ := eventpair.New()
	h := newFakeHandle(1)
	require.NoError(t, p.Connect(context.Background(), h, self, nil))

	self2, _ := eventpair.New()
	err := p.Connect(context.Background(), newFakeHandle(2), self2, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.BadState))
}

func TestAddModuleRejectsMismatchedTargetIDAndDuplicates(t *testing.T) {
	pool := coverage.NewPool()
	p := NewProxy(pool)
	self, _ := eventpair.New()
	h := newFakeHandle(5)
	require.NoError(t, p.Connect(context.Background(), h, self, nil))

	err := p.AddModule(6, "m1", make([]byte, 8))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.InvalidArgument))

	require.NoError(t, p.AddModule(5, "m1", make([]byte, 8)))
	err = p.AddModule(5, "m1", make([]byte, 8))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.InvalidArgument))
}

func TestStartFinishAwaitFinishRoundTrip(t *testing.T) {
	pool := coverage.NewPool()
	p := NewProxy(pool)
	self, peer := eventpair.New()
	h := newFakeHandle(9)
	require.NoError(t, p.Connect(context.Background(), h, self, nil))

	go func() {
		got, err := peer.WaitFor(context.Background(), eventpair.KStart|eventpair.KStartLeakCheck)
		if err != nil {
			return
		}
		peer.ClearSelf(got)
		peer.SignalPeer(eventpair.KStart)
		peer.WaitFor(context.Background(), eventpair.KFinish)
		peer.ClearSelf(eventpair.KFinish)
		peer.SignalPeer(eventpair.KFinishWithLeaks)
	}()

	require.NoError(t, p.Start(context.Background(), false))
	p.Finish()
	leak, err := p.AwaitFinish(context.Background())
	require.NoError(t, err)
	assert.True(t, leak)
}

func TestGetResultMapsExitCodeThroughOptionsTable(t *testing.T) {
	pool := coverage.NewPool()
	p := NewProxy(pool)
	opts := options.Default()
	p.Configure(opts)
	self, _ := eventpair.New()
	h := newFakeHandle(3)
	require.NoError(t, p.Connect(context.Background(), h, self, nil))

	h.exit(opts.DeathExitcode)
	kind, err := p.GetResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fault.Death, kind)
}

func TestGetResultPrefersTentativeCrashResult(t *testing.T) {
	pool := coverage.NewPool()
	p := NewProxy(pool)
	self, _ := eventpair.New()
	h := newFakeHandle(4)
	fs := newFakeFaultSource()
	require.NoError(t, p.Connect(context.Background(), h, self, fs))

	fs.trigger()
	require.Eventually(t, func() bool { return p.State() == Faulted }, time.Second, time.Millisecond)

	kind, err := p.GetResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fault.Crash, kind)
}

func TestDisconnectRemovesModulesFromPool(t *testing.T) {
	pool := coverage.NewPool()
	p := NewProxy(pool)
	self, _ := eventpair.New()
	h := newFakeHandle(11)
	require.NoError(t, p.Connect(context.Background(), h, self, nil))
	buf := make([]byte, 8)
	buf[0] = 1
	require.NoError(t, p.AddModule(11, "m1", buf))

	p.Disconnect()
	assert.Equal(t, Terminated, p.State())
	assert.Equal(t, 0, pool.Accumulate(), "disconnected counters must no longer feed the pool")
}
