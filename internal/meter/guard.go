package meter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vnmchuo/agency-ai-meter/pkg/ratelimit"
)

// ReleaseFunc ends a guarded admission.
type ReleaseFunc func(ctx context.Context) error

// Guard scopes the check -> provider call -> record sequence for one agency.
type Guard interface {
	Acquire(ctx context.Context, agencyID string) (ReleaseFunc, error)
}

func noRelease(context.Context) error { return nil }

// AdvisoryGuard takes no lock. Concurrent requests for the same agency can
// all pass Check before any of them records usage, so the ceiling can be
// overshot by the in-flight calls. This is the accepted default.
type AdvisoryGuard struct{}

func (AdvisoryGuard) Acquire(context.Context, string) (ReleaseFunc, error) {
	return noRelease, nil
}

// LocalGuard serializes admissions per agency inside one process. A slot
// is dropped once no caller holds or waits on it.
type LocalGuard struct {
	mu    sync.Mutex
	slots map[string]*localSlot
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{slots: make(map[string]*localSlot)}
}

func (g *LocalGuard) ref(agencyID string) *localSlot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[agencyID]
	if !ok {
		s = &localSlot{ch: make(chan struct{}, 1)}
		g.slots[agencyID] = s
	}
	s.refs++
	return s
}

func (g *LocalGuard) unref(agencyID string, s *localSlot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, agencyID)
	}
}

func (g *LocalGuard) tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

func (g *LocalGuard) Acquire(ctx context.Context, agencyID string) (ReleaseFunc, error) {
	s := g.ref(agencyID)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		g.unref(agencyID, s)
		return nil, fmt.Errorf("%w: %w", ErrAdmissionBusy, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-s.ch
			g.unref(agencyID, s)
		})
		return nil
	}, nil
}

type RedisGuardConfig struct {
	// TTL bounds how long a crashed holder can block an agency.
	TTL time.Duration
	// Wait is how long Acquire polls before giving up with ErrAdmissionBusy.
	Wait time.Duration
	Poll time.Duration
}

// RedisGuard serializes admissions per agency across replicas.
type RedisGuard struct {
	locker *ratelimit.Locker
	cfg    RedisGuardConfig
}

func NewRedisGuard(locker *ratelimit.Locker, cfg RedisGuardConfig) *RedisGuard {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 50 * time.Millisecond
	}
	return &RedisGuard{locker: locker, cfg: cfg}
}

func admissionKey(agencyID string) string {
	return fmt.Sprintf("meter:admission:%s", agencyID)
}

func (g *RedisGuard) Acquire(ctx context.Context, agencyID string) (ReleaseFunc, error) {
	key := admissionKey(agencyID)
	deadline := time.Now().Add(g.cfg.Wait)

	for {
		token, ok, err := g.locker.TryLock(ctx, key, g.cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("%w: admission lock: %w", ErrStoreUnavailable, err)
		}
		if ok {
			var once sync.Once
			return func(ctx context.Context) error {
				var err error
				once.Do(func() { err = g.locker.Release(ctx, key, token) })
				return err
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrAdmissionBusy
		}

		timer := time.NewTimer(g.cfg.Poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrAdmissionBusy, ctx.Err())
		case <-timer.C:
		}
	}
}
