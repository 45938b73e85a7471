// Package presence keeps the local user marked online and pushes remote
// online/offline changes into cached users.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/domain"
	"github.com/matheus3301/rtchat/internal/relay"
)

// DefaultInterval is the heartbeat period when none is configured.
const DefaultInterval = 2 * time.Minute

// Store records liveness for a user.
type Store interface {
	SetPresence(ctx context.Context, userID string, online bool) (domain.User, error)
}

// UserCache receives profile updates for users it may hold.
type UserCache interface {
	UpdateUser(u domain.User)
}

// Tracker emits heartbeats for the local user and fans user row changes
// out to caches.
type Tracker struct {
	store    Store
	selfID   string
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	caches []UserCache
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker for selfID. A non-positive interval uses
// DefaultInterval.
func New(s Store, selfID string, interval time.Duration, logger *zap.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: s, selfID: selfID, interval: interval, logger: logger}
}

// AddCache registers c to receive user updates.
func (t *Tracker) AddCache(c UserCache) {
	t.mu.Lock()
	t.caches = append(t.caches, c)
	t.mu.Unlock()
}

// Start sends a heartbeat now and then on every interval until Stop.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.mu.Unlock()

	t.beat(runCtx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.beat(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
}

// Stop cancels the heartbeat and marks the local user offline.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()

	if _, err := t.store.SetPresence(ctx, t.selfID, false); err != nil {
		t.logger.Warn("mark offline failed", zap.Error(err))
	}
}

func (t *Tracker) beat(ctx context.Context) {
	if _, err := t.store.SetPresence(ctx, t.selfID, true); err != nil {
		t.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

// HandleUserRow applies a users row change to every registered cache.
func (t *Tracker) HandleUserRow(env relay.Envelope) {
	if env.Event != relay.EventUpdate && env.Event != relay.EventInsert {
		return
	}
	var u domain.User
	if err := env.Decode(&u); err != nil {
		t.logger.Warn("malformed user row", zap.Error(err))
		return
	}
	if u.ID == "" {
		return
	}

	t.mu.Lock()
	caches := append([]UserCache(nil), t.caches...)
	t.mu.Unlock()
	for _, c := range caches {
		c.UpdateUser(u)
	}
}
