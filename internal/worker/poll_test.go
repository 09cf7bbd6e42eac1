package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/fleet-agent/internal/sync"
)

type fakeSyncer struct {
	events    *sync.Broadcaster
	state     sync.State
	callCount atomic.Int32
	syncErr   error
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{events: sync.NewBroadcaster()}
}

func (f *fakeSyncer) SyncIfNotInCooldown(context.Context) error {
	f.callCount.Add(1)
	return f.syncErr
}

func (f *fakeSyncer) State() sync.State          { return f.state }
func (f *fakeSyncer) Events() *sync.Broadcaster { return f.events }

func TestPollWorkerSyncsAfterPollInterval(t *testing.T) {
	syncer := newFakeSyncer()
	w := NewPollWorker(PollConfig{Syncer: syncer, PollInterval: 20 * time.Millisecond})
	shutdown := make(chan struct{})

	w.Start(context.Background(), shutdown)
	defer func() {
		close(shutdown)
		<-w.Done()
	}()

	require.Eventually(t, func() bool { return syncer.callCount.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestPollWorkerWakesEarlyOnFailureCooldownEnd(t *testing.T) {
	syncer := newFakeSyncer()
	w := NewPollWorker(PollConfig{Syncer: syncer, PollInterval: time.Hour})
	shutdown := make(chan struct{})

	w.Start(context.Background(), shutdown)
	defer func() {
		close(shutdown)
		<-w.Done()
	}()

	// give the worker a moment to subscribe before publishing
	time.Sleep(20 * time.Millisecond)
	syncer.events.Publish(sync.CooldownEnd{Source: sync.FromSyncFailure})

	require.Eventually(t, func() bool { return syncer.callCount.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestPollWorkerIgnoresNonFailureCooldownEnd(t *testing.T) {
	syncer := newFakeSyncer()
	w := NewPollWorker(PollConfig{Syncer: syncer, PollInterval: time.Hour})
	shutdown := make(chan struct{})

	w.Start(context.Background(), shutdown)
	defer func() {
		close(shutdown)
		<-w.Done()
	}()

	time.Sleep(20 * time.Millisecond)
	syncer.events.Publish(sync.CooldownEnd{Source: sync.FromSyncSuccess})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, syncer.callCount.Load())
}

func TestPollWorkerStopsOnShutdown(t *testing.T) {
	syncer := newFakeSyncer()
	w := NewPollWorker(PollConfig{Syncer: syncer, PollInterval: time.Hour})
	shutdown := make(chan struct{})

	w.Start(context.Background(), shutdown)
	close(shutdown)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("poll worker did not stop after shutdown")
	}
}

func TestNextWaitPrefersLongerOfPollAndCooldown(t *testing.T) {
	now := time.Now()
	cooldownEnd := now.Add(500 * time.Millisecond)
	syncer := newFakeSyncer()
	syncer.state = sync.State{CooldownEndsAt: &cooldownEnd}
	w := NewPollWorker(PollConfig{Syncer: syncer, PollInterval: 50 * time.Millisecond})

	wait := w.nextWait()
	assert.Greater(t, wait, 400*time.Millisecond)
}
