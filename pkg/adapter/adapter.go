// Package adapter implements the engine-side target-adapter client: the
// handle to the in-process driver that actually invokes the fuzz target
// with a test input.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/realmfuzzer/pkg/eventpair"
	"github.com/google/realmfuzzer/pkg/fault"
	"github.com/google/realmfuzzer/pkg/shmem"
)

// Client is the engine-facing handle to a connected target adapter.
type Client struct {
	self   *eventpair.Pair
	region *TestInputRegion
	params []string
}

// maxTestInputSize bounds the shared region backing a run's test input; the
// region is reused across runs rather than resized per input.
const maxTestInputSize = 1 << 20

// TestInputRegion is the shared test-input buffer the engine writes and the
// adapter reads, backed by a shmem.Region. The region itself is a fixed-size
// mapping, so the current input's length is tracked alongside it.
type TestInputRegion struct {
	region *shmem.Region

	mu  sync.Mutex
	len int
}

// NewTestInputRegion reserves a fresh shared test-input region. It panics if
// the platform cannot back shared memory at all, which would indicate a
// broken host rather than a recoverable per-call error.
func NewTestInputRegion() *TestInputRegion {
	r, err := shmem.Reserve(maxTestInputSize)
	if err != nil {
		panic(fmt.Sprintf("adapter: reserve test-input region: %v", err))
	}
	return &TestInputRegion{region: r}
}

func (r *TestInputRegion) write(v []byte) {
	if len(v) > maxTestInputSize {
		v = v[:maxTestInputSize]
	}
	r.region.Update(func(buf []byte) {
		copy(buf, v)
	})
	r.mu.Lock()
	r.len = len(v)
	r.mu.Unlock()
}

// Read returns a copy of the bytes from the most recent write.
func (r *TestInputRegion) Read() []byte {
	r.mu.Lock()
	n := r.len
	r.mu.Unlock()
	return r.region.Read()[:n]
}

// GetParameters returns the command-line arguments recorded at build time.
func (c *Client) GetParameters() []string { return c.params }

// Connect gives the client its end of the event-pair and the shared
// test-input region.
func Connect(self *eventpair.Pair, region *TestInputRegion, params []string) *Client {
	return &Client{self: self, region: region, params: params}
}

// TestOneInput writes input into the shared region, signals kStart, and
// waits for kFinish. It fails peer-closed if the adapter has disconnected.
func (c *Client) TestOneInput(ctx context.Context, input []byte) error {
	c.region.write(input)
	c.self.SignalPeer(eventpair.KStart)
	if _, err := c.self.WaitFor(ctx, eventpair.KFinish); err != nil {
		return fault.Wrap(fault.PeerClosed, err, "adapter: test_one_input failed")
	}
	c.self.ClearSelf(eventpair.KFinish)
	return nil
}

// TargetFunc is the user's fuzz function, invoked once per accepted input.
type TargetFunc func(input []byte)

// Loop is the adapter side's internal run loop: wait for kStart, clear it,
// read the test input, call the user function, signal kFinish. It returns
// when ctx is cancelled or the event-pair's peer disconnects.
func Loop(ctx context.Context, peer *eventpair.Pair, region *TestInputRegion, target TargetFunc) error {
	for {
		if _, err := peer.WaitFor(ctx, eventpair.KStart); err != nil {
			return err
		}
		peer.ClearSelf(eventpair.KStart)
		target(region.Read())
		peer.SignalPeer(eventpair.KFinish)
	}
}
