// Package guard tracks authenticated sessions against two independent
// clocks: an absolute expiry and a rolling inactivity timeout.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"signflow/api/internal/util"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	// Update aborts carrying these so the expiry check writes nothing.
	errSessionLive     = errors.New("session live")
	errExpiryConfirmed = errors.New("session expiry confirmed")
)

type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	IssuedAt     time.Time     `json:"issuedAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	LastActivity time.Time     `json:"lastActivity"`
	TTL          time.Duration `json:"ttl"`
	RememberMe   bool          `json:"rememberMe"`
	Warned       bool          `json:"warned"`
}

// Store persists sessions. Update must apply fn as one atomic
// read-modify-write and return ErrSessionNotFound for unknown ids.
type Store interface {
	Save(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Session, error)
}

type Reason string

const (
	ReasonExpired  Reason = "expired"
	ReasonInactive Reason = "inactive"
)

// Notice is passed to warning and expiry callbacks.
type Notice struct {
	Session   Session
	Remaining time.Duration
	Reason    Reason
}

type Options struct {
	TTL               time.Duration
	RememberTTL       time.Duration
	InactivityTimeout time.Duration
	WarningWindow     time.Duration
}

func DefaultOptions() Options {
	return Options{
		TTL:               24 * time.Hour,
		RememberTTL:       7 * 24 * time.Hour,
		InactivityTimeout: 30 * time.Minute,
		WarningWindow:     5 * time.Minute,
	}
}

type Guard struct {
	store Store
	opts  Options
	now   func() time.Time

	mu        sync.RWMutex
	onWarning []func(Notice)
	onExpire  []func(Notice)
}

func New(store Store, opts Options, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	defaults := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}
	if opts.RememberTTL <= 0 {
		opts.RememberTTL = defaults.RememberTTL
	}
	if opts.WarningWindow <= 0 {
		opts.WarningWindow = defaults.WarningWindow
	}
	return &Guard{store: store, opts: opts, now: now}
}

func (g *Guard) OnWarning(fn func(Notice)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onWarning = append(g.onWarning, fn)
}

func (g *Guard) OnExpire(fn func(Notice)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpire = append(g.onExpire, fn)
}

// Start creates a session. A zero ttl picks the configured default, or the
// remember-me duration when rememberMe is set.
func (g *Guard) Start(ctx context.Context, userID string, ttl time.Duration, rememberMe bool) (Session, error) {
	if strings.TrimSpace(userID) == "" {
		return Session{}, fmt.Errorf("start session: user id required")
	}
	if ttl <= 0 {
		ttl = g.opts.TTL
		if rememberMe {
			ttl = g.opts.RememberTTL
		}
	}
	now := g.now()
	session := Session{
		ID:           util.NewID("ses"),
		UserID:       userID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
		TTL:          ttl,
		RememberMe:   rememberMe,
	}
	if err := g.store.Save(ctx, session); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return session, nil
}

// IsValid reports whether neither clock has run out.
func (g *Guard) IsValid(session Session) bool {
	_, expired := g.expiry(session, g.now())
	return !expired
}

func (g *Guard) expiry(session Session, now time.Time) (Reason, bool) {
	if !now.Before(session.ExpiresAt) {
		return ReasonExpired, true
	}
	if g.opts.InactivityTimeout > 0 && now.Sub(session.LastActivity) >= g.opts.InactivityTimeout {
		return ReasonInactive, true
	}
	return "", false
}

// Remaining is the time left before the absolute expiry.
func (g *Guard) Remaining(session Session) time.Duration {
	return session.ExpiresAt.Sub(g.now())
}

// Validate loads a session and checks it. An invalid session is ended and
// the expiry callbacks fire.
func (g *Guard) Validate(ctx context.Context, id string) (Session, error) {
	session, err := g.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	now := g.now()
	if _, expired := g.expiry(session, now); !expired {
		return session, nil
	}
	if g.expire(ctx, id, now) {
		return Session{}, ErrSessionExpired
	}
	session, err = g.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if _, expired := g.expiry(session, now); expired {
		return Session{}, ErrSessionExpired
	}
	return session, nil
}

// Tick evaluates every session once. Sessions inside the warning window get
// a single warning until extended; sessions past either deadline are ended.
func (g *Guard) Tick(ctx context.Context) error {
	sessions, err := g.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	now := g.now()
	for _, session := range sessions {
		if _, expired := g.expiry(session, now); expired {
			g.expire(ctx, session.ID, now)
			continue
		}
		remaining := session.ExpiresAt.Sub(now)
		if session.Warned || remaining > g.opts.WarningWindow {
			continue
		}
		marked := false
		updated, err := g.store.Update(ctx, session.ID, func(s *Session) error {
			if s.Warned {
				return nil
			}
			s.Warned = true
			marked = true
			return nil
		})
		if err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				log.Printf("guard: mark warned %s: %v", session.ID, err)
			}
			continue
		}
		if marked {
			g.notify(g.warningCallbacks(), Notice{Session: updated, Remaining: remaining})
		}
	}
	return nil
}

// RecordActivity resets the inactivity clock only.
func (g *Guard) RecordActivity(ctx context.Context, id string) (Session, error) {
	return g.ResetOnActivity(ctx, id, false)
}

// ResetOnActivity records activity and, when the caller confirmed the
// warning, pushes the absolute expiry out by the session's ttl.
func (g *Guard) ResetOnActivity(ctx context.Context, id string, confirmed bool) (Session, error) {
	now := g.now()
	session, err := g.store.Update(ctx, id, func(s *Session) error {
		if _, expired := g.expiry(*s, now); expired {
			return ErrSessionExpired
		}
		s.LastActivity = now
		if confirmed {
			s.ExpiresAt = now.Add(s.TTL)
			s.Warned = false
		}
		return nil
	})
	if errors.Is(err, ErrSessionExpired) {
		g.expire(ctx, id, now)
		return Session{}, ErrSessionExpired
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// End signs the session out. Ending an unknown session is not an error.
func (g *Guard) End(ctx context.Context, id string) error {
	if err := g.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Run calls Tick every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Tick(ctx); err != nil {
				log.Printf("guard: tick: %v", err)
			}
		}
	}
}

// expire re-reads the session and ends it only when it is still past a
// deadline, so activity recorded after a stale read keeps it alive.
func (g *Guard) expire(ctx context.Context, id string, now time.Time) bool {
	var (
		current Session
		reason  Reason
	)
	_, err := g.store.Update(ctx, id, func(s *Session) error {
		r, expired := g.expiry(*s, now)
		if !expired {
			return errSessionLive
		}
		current, reason = *s, r
		return errExpiryConfirmed
	})
	if !errors.Is(err, errExpiryConfirmed) {
		if err != nil && !errors.Is(err, errSessionLive) && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("guard: recheck session %s: %v", id, err)
		}
		return false
	}
	if err := g.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Printf("guard: delete expired session %s: %v", id, err)
		return false
	}
	g.notify(g.expireCallbacks(), Notice{Session: current, Remaining: current.ExpiresAt.Sub(now), Reason: reason})
	return true
}

func (g *Guard) warningCallbacks() []func(Notice) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]func(Notice){}, g.onWarning...)
}

func (g *Guard) expireCallbacks() []func(Notice) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]func(Notice){}, g.onExpire...)
}

func (g *Guard) notify(callbacks []func(Notice), notice Notice) {
	for _, fn := range callbacks {
		fn(notice)
	}
}
