package eventpair

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/realmfuzzer/pkg/fault"
)

func TestSignalPeerWakesWaitFor(t *testing.T) {
	a, b := New()
	done := make(chan Signal, 1)
	go func() {
		got, err := b.WaitFor(context.Background(), KStart)
		require.NoError(t, err)
		done <- got
	}()
	time.Sleep(10 * time.Millisecond)
	a.SignalPeer(KStart)
	select {
	case got := <-done:
		assert.Equal(t, KStart, got)
	case <-time.After(time.Second):
		t.Fatal("WaitFor never woke up")
	}
}

func TestWaitForReturnsImmediatelyIfAlreadySet(t *testing.T) {
	a, _ := New()
	a.SignalSelf(KFinish)
	got, err := a.WaitFor(context.Background(), KFinish|KFinishWithLeaks)
	require.NoError(t, err)
	assert.Equal(t, KFinish, got)
}

func TestClearSelfThenWaitForBlocks(t *testing.T) {
	a, _ := New()
	a.SignalSelf(KStart)
	a.ClearSelf(KStart)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.WaitFor(ctx, KStart)
	assert.Error(t, err)
}

func TestCloseFailsPeerWait(t *testing.T) {
	a, b := New()
	done := make(chan error, 1)
	go func() {
		_, err := b.WaitFor(context.Background(), KStart)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	a.Close()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.PeerClosed))
	case <-time.After(time.Second):
		t.Fatal("WaitFor never returned after Close")
	}
}

func TestWaitForRespectsContextCancellation(t *testing.T) {
	a, _ := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.WaitFor(ctx, KStart)
	assert.ErrorIs(t, err, context.Canceled)
}
