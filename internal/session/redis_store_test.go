package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client, 5*time.Minute, 30*time.Minute)
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestCreateSessionClaimsOntology(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, "sess-1", "ont-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.OntologyID != "ont-1" {
		t.Errorf("expected ontology ont-1, got %s", session.OntologyID)
	}

	_, err = store.CreateSession(ctx, "sess-2", "ont-1")
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive for second session, got %v", err)
	}

	// A different ontology is unaffected.
	if _, err := store.CreateSession(ctx, "sess-3", "ont-2"); err != nil {
		t.Fatalf("CreateSession for ont-2 failed: %v", err)
	}
}

func TestJoinSessionIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-1", "ont-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		session, err := store.JoinSession(ctx, "sess-1", "alice")
		if err != nil {
			t.Fatalf("JoinSession failed: %v", err)
		}
		if len(session.Participants) != 1 {
			t.Fatalf("expected 1 participant after join %d, got %d", i+1, len(session.Participants))
		}
	}

	_, err := store.JoinSession(ctx, "missing", "alice")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing session, got %v", err)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-1", "ont-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	lock, err := store.AcquireLock(ctx, "sess-1", "E1", "u1")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if lock.HolderID != "u1" {
		t.Errorf("expected holder u1, got %s", lock.HolderID)
	}
	if !lock.ExpiresAt.After(lock.AcquiredAt) {
		t.Errorf("expected expiry after acquisition, got %v <= %v", lock.ExpiresAt, lock.AcquiredAt)
	}

	_, err = store.AcquireLock(ctx, "sess-1", "E1", "u2")
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected ErrLockConflict for u2, got %v", err)
	}

	// The holder can refresh its own lock.
	if _, err := store.AcquireLock(ctx, "sess-1", "E1", "u1"); err != nil {
		t.Fatalf("refresh by holder failed: %v", err)
	}
}

func TestAcquireLockAfterExpiry(t *testing.T) {
	store, s := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-1", "ont-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "sess-1", "E1", "u1"); err != nil {
		t.Fatalf("AcquireLock by u1 failed: %v", err)
	}

	// Past the TTL the lock is gone and u2 can claim it.
	s.FastForward(5*time.Minute + time.Second)

	lock, err := store.AcquireLock(ctx, "sess-1", "E1", "u2")
	if err != nil {
		t.Fatalf("AcquireLock by u2 after expiry failed: %v", err)
	}
	if lock.HolderID != "u2" {
		t.Errorf("expected holder u2, got %s", lock.HolderID)
	}
}

func TestReleaseLock(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-1", "ont-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "sess-1", "E1", "u1"); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	if err := store.ReleaseLock(ctx, "sess-1", "E1", "u2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for u2, got %v", err)
	}

	if err := store.ReleaseLock(ctx, "sess-1", "E1", "u1"); err != nil {
		t.Fatalf("ReleaseLock by holder failed: %v", err)
	}

	// Releasing an absent lock is a no-op.
	if err := store.ReleaseLock(ctx, "sess-1", "E1", "u1"); err != nil {
		t.Fatalf("ReleaseLock of absent lock failed: %v", err)
	}

	if _, err := store.AcquireLock(ctx, "sess-1", "E1", "u2"); err != nil {
		t.Fatalf("AcquireLock by u2 after release failed: %v", err)
	}
}

func TestGetSessionFiltersExpiredLocks(t *testing.T) {
	store, s := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-1", "ont-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "sess-1", "E1", "u1"); err != nil {
		t.Fatalf("AcquireLock E1 failed: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "sess-1", "E2", "u1"); err != nil {
		t.Fatalf("AcquireLock E2 failed: %v", err)
	}

	session, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(session.Locks) != 2 {
		t.Fatalf("expected 2 live locks, got %d", len(session.Locks))
	}

	// The lock TTL passes but the session idle TTL has not.
	s.FastForward(5*time.Minute + time.Second)

	session, err = store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession after expiry failed: %v", err)
	}
	if len(session.Locks) != 0 {
		t.Errorf("expected 0 live locks after expiry, got %d", len(session.Locks))
	}
}

func TestCloseSessionReleasesEverything(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-1", "ont-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "sess-1", "E1", "u1"); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	if err := store.CloseSession(ctx, "sess-1"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	if _, err := store.GetSession(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}

	// The ontology slot is free again.
	if _, err := store.CreateSession(ctx, "sess-2", "ont-1"); err != nil {
		t.Fatalf("CreateSession after close failed: %v", err)
	}

	if err := store.CloseSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound closing missing session, got %v", err)
	}
}
