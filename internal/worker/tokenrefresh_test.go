package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	syncevents "github.com/vitaliisemenov/fleet-agent/internal/sync"
)

type fakeTokenManager struct {
	mu          sync.Mutex
	expiresAt   time.Time
	expired     bool
	refreshErr  error
	refreshCalls int
}

func (f *fakeTokenManager) Refresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr == nil {
		f.expired = false
	}
	return "tok", f.refreshErr
}

func (f *fakeTokenManager) ExpiresAt() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiresAt, nil
}

func (f *fakeTokenManager) Expired() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired, nil
}

func (f *fakeTokenManager) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func TestTokenRefreshWorkerRefreshesExpiredTokenOnStart(t *testing.T) {
	tm := &fakeTokenManager{expired: true, expiresAt: time.Now().Add(time.Hour)}
	w := NewTokenRefreshWorker(TokenRefreshConfig{
		Tokens:         tm,
		RefreshAdvance: time.Minute,
		BackoffPolicy:  syncevents.DefaultCooldownPolicy(),
	})
	shutdown := make(chan struct{})

	w.Start(context.Background(), shutdown)
	defer func() {
		close(shutdown)
		<-w.Done()
	}()

	assert.Eventually(t, func() bool { return tm.calls() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestTokenRefreshWorkerRefreshesAheadOfExpiry(t *testing.T) {
	tm := &fakeTokenManager{expiresAt: time.Now().Add(50 * time.Millisecond)}
	w := NewTokenRefreshWorker(TokenRefreshConfig{
		Tokens:         tm,
		RefreshAdvance: 40 * time.Millisecond,
		BackoffPolicy:  syncevents.CooldownPolicy{BaseSecs: 0.005, GrowthFactor: 2, MaxSecs: 3600},
	})
	shutdown := make(chan struct{})

	w.Start(context.Background(), shutdown)
	defer func() {
		close(shutdown)
		<-w.Done()
	}()

	assert.Eventually(t, func() bool { return tm.calls() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestTokenRefreshWorkerStopsOnShutdown(t *testing.T) {
	tm := &fakeTokenManager{expiresAt: time.Now().Add(time.Hour)}
	w := NewTokenRefreshWorker(TokenRefreshConfig{
		Tokens:         tm,
		RefreshAdvance: time.Minute,
		BackoffPolicy:  syncevents.DefaultCooldownPolicy(),
	})
	shutdown := make(chan struct{})

	w.Start(context.Background(), shutdown)
	close(shutdown)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("token refresh worker did not stop after shutdown")
	}
}

func TestNextWaitUsesBackoffWhenLargerThanRefreshGap(t *testing.T) {
	tm := &fakeTokenManager{expiresAt: time.Now().Add(time.Millisecond)}
	w := NewTokenRefreshWorker(TokenRefreshConfig{
		Tokens:         tm,
		RefreshAdvance: 0,
		BackoffPolicy:  syncevents.CooldownPolicy{BaseSecs: 10, GrowthFactor: 2, MaxSecs: 3600},
	})

	wait := w.nextWait(0)
	assert.InDelta(t, 10*time.Second, wait, float64(time.Second))
}

func TestNextWaitFallsBackToBackoffWithNoExpiry(t *testing.T) {
	tm := &fakeTokenManager{}
	w := NewTokenRefreshWorker(TokenRefreshConfig{
		Tokens:         tm,
		RefreshAdvance: time.Minute,
		BackoffPolicy:  syncevents.CooldownPolicy{BaseSecs: 5, GrowthFactor: 2, MaxSecs: 3600},
	})

	wait := w.nextWait(0)
	assert.InDelta(t, 5*time.Second, wait, float64(time.Second))
}
