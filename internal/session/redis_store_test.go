package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"signflow/api/internal/guard"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func newSession(id string, ttl time.Duration) guard.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return guard.Session{
		ID:           id,
		UserID:       "user-" + id,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
		TTL:          ttl,
	}
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("://nope"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndGet(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	session := newSession("ses_1", 24*time.Hour)
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "ses_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != session.UserID || !got.ExpiresAt.Equal(session.ExpiresAt) {
		t.Errorf("Get = %+v, want %+v", got, session)
	}

	if ttl := s.TTL("session:ses_1"); ttl <= 24*time.Hour {
		t.Errorf("key ttl = %v, want expiry plus grace", ttl)
	}
}

func TestGetMissingAndExpired(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, guard.ErrSessionNotFound) {
		t.Fatalf("Get(missing) error = %v", err)
	}

	if err := store.Save(ctx, newSession("short", time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	s.FastForward(expiryGrace + time.Minute)
	if _, err := store.Get(ctx, "short"); !errors.Is(err, guard.ErrSessionNotFound) {
		t.Fatalf("Get(expired) error = %v", err)
	}
}

func TestUpdate(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	_ = store.Save(ctx, newSession("ses_u", time.Hour))

	updated, err := store.Update(ctx, "ses_u", func(session *guard.Session) error {
		session.Warned = true
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !updated.Warned {
		t.Fatal("Update result not applied")
	}
	reloaded, _ := store.Get(ctx, "ses_u")
	if !reloaded.Warned {
		t.Fatal("Update not persisted")
	}

	boom := errors.New("boom")
	if _, err := store.Update(ctx, "ses_u", func(session *guard.Session) error {
		session.Warned = false
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}
	reloaded, _ = store.Get(ctx, "ses_u")
	if !reloaded.Warned {
		t.Fatal("failed Update must not write")
	}

	if _, err := store.Update(ctx, "missing", func(*guard.Session) error { return nil }); !errors.Is(err, guard.ErrSessionNotFound) {
		t.Fatalf("Update(missing) error = %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, newSession(id, time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Set("unrelated", "x"); err != nil {
		t.Fatal(err)
	}

	sessions, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len(List) = %d, want 3", len(sessions))
	}

	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete of missing key failed: %v", err)
	}
	sessions, _ = store.List(ctx)
	if len(sessions) != 2 {
		t.Fatalf("len(List) after delete = %d, want 2", len(sessions))
	}
}

func TestGuardOverRedis(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	g := guard.New(store, guard.Options{TTL: time.Hour}, nil)
	session, err := g.Start(ctx, "user-1", 0, false)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := g.ResetOnActivity(ctx, session.ID, true); err != nil {
		t.Fatalf("ResetOnActivity failed: %v", err)
	}
	if err := g.End(ctx, session.ID); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if _, err := g.Validate(ctx, session.ID); !errors.Is(err, guard.ErrSessionNotFound) {
		t.Fatalf("Validate after End error = %v", err)
	}
}
