// Package session tracks collaboration sessions and element locks in Redis.
// Redis key TTLs carry both lock expiry and session inactivity teardown, so
// expired entries simply vanish instead of needing a sweeper.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrAlreadyActive = errors.New("another session is active for this ontology")
	ErrNotFound      = errors.New("session not found")
	ErrLockConflict  = errors.New("element is locked by another participant")
	ErrNotOwner      = errors.New("lock is held by a different participant")
)

type Session struct {
	ID           string    `json:"id"`
	OntologyID   string    `json:"ontologyId"`
	Participants []string  `json:"participants"`
	Locks        []Lock    `json:"locks"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type Lock struct {
	ElementID  string    `json:"elementId"`
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// acquireScript claims or refreshes an element lock in a single atomic step.
// The stored value is "<holder>\n<acquiredAt RFC3339>". Returns the current
// holder when somebody else owns a live lock, empty string on success.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	local holder = string.match(cur, "([^\n]+)")
	if holder ~= ARGV[1] then
		return holder
	end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return ""
`)

// releaseScript deletes a lock only when the caller holds it.
// Returns 1 when released or already gone, 0 when held by someone else.
var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
	return 1
end
local holder = string.match(cur, "([^\n]+)")
if holder ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

type RedisStore struct {
	client  *redis.Client
	lockTTL time.Duration
	idleTTL time.Duration
}

func NewRedisStore(redisURL string, lockTTL, idleTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, lockTTL, idleTTL), nil
}

func NewRedisStoreWithClient(client *redis.Client, lockTTL, idleTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, lockTTL: lockTTL, idleTTL: idleTTL}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func ontologyKey(ontologyID string) string { return "collab:ontology:" + ontologyID }
func sessionKey(sessionID string) string   { return "collab:session:" + sessionID }
func membersKey(sessionID string) string   { return "collab:session:" + sessionID + ":members" }
func lockSetKey(sessionID string) string   { return "collab:session:" + sessionID + ":locks" }
func lockKey(sessionID, elementID string) string {
	return "collab:lock:" + sessionID + ":" + elementID
}

// CreateSession registers a new session for an ontology. The SET NX on the
// ontology index key is the uniqueness constraint: one live session per
// ontology at a time.
func (s *RedisStore) CreateSession(ctx context.Context, sessionID, ontologyID string) (Session, error) {
	claimed, err := s.client.SetNX(ctx, ontologyKey(ontologyID), sessionID, s.idleTTL).Result()
	if err != nil {
		return Session{}, fmt.Errorf("claim ontology: %w", err)
	}
	if !claimed {
		return Session{}, ErrAlreadyActive
	}

	now := time.Now().UTC()
	if err := s.client.HSet(ctx, sessionKey(sessionID), map[string]any{
		"ontology_id":   ontologyID,
		"created_at":    now.Format(time.RFC3339Nano),
		"last_activity": now.Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return Session{}, fmt.Errorf("write session record: %w", err)
	}
	if err := s.client.Expire(ctx, sessionKey(sessionID), s.idleTTL).Err(); err != nil {
		return Session{}, fmt.Errorf("expire session record: %w", err)
	}

	return Session{ID: sessionID, OntologyID: ontologyID, Participants: []string{}, Locks: []Lock{}, CreatedAt: now, LastActivity: now}, nil
}

// JoinSession adds a participant. Joining twice is a no-op.
func (s *RedisStore) JoinSession(ctx context.Context, sessionID, actorID string) (Session, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return Session{}, err
	}
	if err := s.client.SAdd(ctx, membersKey(sessionID), actorID).Err(); err != nil {
		return Session{}, fmt.Errorf("add participant: %w", err)
	}
	if err := s.touch(ctx, sessionID); err != nil {
		return Session{}, err
	}
	return s.GetSession(ctx, sessionID)
}

// AcquireLock claims an element for an actor, refreshing the TTL when the
// actor already holds it. A live lock held by anyone else fails with
// ErrLockConflict; an expired lock has already vanished from Redis.
func (s *RedisStore) AcquireLock(ctx context.Context, sessionID, elementID, actorID string) (Lock, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return Lock{}, err
	}

	now := time.Now().UTC()
	value := actorID + "\n" + now.Format(time.RFC3339Nano)
	holder, err := acquireScript.Run(ctx, s.client,
		[]string{lockKey(sessionID, elementID)},
		actorID, value, s.lockTTL.Milliseconds(),
	).Text()
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock: %w", err)
	}
	if holder != "" {
		return Lock{}, fmt.Errorf("%w: held by %s", ErrLockConflict, holder)
	}

	if err := s.client.SAdd(ctx, lockSetKey(sessionID), elementID).Err(); err != nil {
		return Lock{}, fmt.Errorf("track lock: %w", err)
	}
	if err := s.touch(ctx, sessionID); err != nil {
		return Lock{}, err
	}

	return Lock{
		ElementID:  elementID,
		HolderID:   actorID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.lockTTL),
	}, nil
}

// ReleaseLock drops the actor's claim. Releasing an absent (or expired) lock
// is a no-op; releasing someone else's fails with ErrNotOwner.
func (s *RedisStore) ReleaseLock(ctx context.Context, sessionID, elementID, actorID string) error {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return err
	}

	released, err := releaseScript.Run(ctx, s.client,
		[]string{lockKey(sessionID, elementID)},
		actorID,
	).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if released == 0 {
		return ErrNotOwner
	}

	if err := s.client.SRem(ctx, lockSetKey(sessionID), elementID).Err(); err != nil {
		return fmt.Errorf("untrack lock: %w", err)
	}
	return s.touch(ctx, sessionID)
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	record, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("read session record: %w", err)
	}
	if len(record) == 0 {
		return Session{}, ErrNotFound
	}

	session := Session{ID: sessionID, OntologyID: record["ontology_id"]}
	session.CreatedAt, _ = time.Parse(time.RFC3339Nano, record["created_at"])
	session.LastActivity, _ = time.Parse(time.RFC3339Nano, record["last_activity"])

	members, err := s.client.SMembers(ctx, membersKey(sessionID)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("read participants: %w", err)
	}
	session.Participants = members
	if session.Participants == nil {
		session.Participants = []string{}
	}

	session.Locks, err = s.liveLocks(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// CloseSession tears the session down and releases every lock it tracked.
func (s *RedisStore) CloseSession(ctx context.Context, sessionID string) error {
	record, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("read session record: %w", err)
	}
	if len(record) == 0 {
		return ErrNotFound
	}

	elements, err := s.client.SMembers(ctx, lockSetKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("read lock set: %w", err)
	}
	keys := make([]string, 0, len(elements)+3)
	for _, elementID := range elements {
		keys = append(keys, lockKey(sessionID, elementID))
	}
	keys = append(keys, sessionKey(sessionID), membersKey(sessionID), lockSetKey(sessionID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session keys: %w", err)
	}

	// Free the ontology slot only if it still points at this session.
	ontologyID := record["ontology_id"]
	current, err := s.client.Get(ctx, ontologyKey(ontologyID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read ontology claim: %w", err)
	}
	if current == sessionID {
		if err := s.client.Del(ctx, ontologyKey(ontologyID)).Err(); err != nil {
			return fmt.Errorf("release ontology claim: %w", err)
		}
	}
	return nil
}

// liveLocks reads the tracked lock set, dropping entries whose keys have
// expired. Expiry is lazy: the read is the cleanup.
func (s *RedisStore) liveLocks(ctx context.Context, sessionID string) ([]Lock, error) {
	elements, err := s.client.SMembers(ctx, lockSetKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read lock set: %w", err)
	}

	locks := make([]Lock, 0, len(elements))
	for _, elementID := range elements {
		value, err := s.client.Get(ctx, lockKey(sessionID, elementID)).Result()
		if err == redis.Nil {
			_ = s.client.SRem(ctx, lockSetKey(sessionID), elementID).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read lock %s: %w", elementID, err)
		}
		ttl, err := s.client.PTTL(ctx, lockKey(sessionID, elementID)).Result()
		if err != nil {
			return nil, fmt.Errorf("read lock ttl %s: %w", elementID, err)
		}

		parts := strings.SplitN(value, "\n", 2)
		lock := Lock{ElementID: elementID, HolderID: parts[0]}
		if len(parts) == 2 {
			lock.AcquiredAt, _ = time.Parse(time.RFC3339Nano, parts[1])
		}
		if ttl > 0 {
			lock.ExpiresAt = time.Now().UTC().Add(ttl)
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func (s *RedisStore) requireSession(ctx context.Context, sessionID string) error {
	exists, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return nil
}

// touch refreshes last-activity and pushes out the inactivity TTL on every
// session key, including the ontology claim.
func (s *RedisStore) touch(ctx context.Context, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, sessionKey(sessionID), "last_activity", now).Err(); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	ontologyID, err := s.client.HGet(ctx, sessionKey(sessionID), "ontology_id").Result()
	if err != nil {
		return fmt.Errorf("read session ontology: %w", err)
	}
	for _, key := range []string{sessionKey(sessionID), membersKey(sessionID), lockSetKey(sessionID), ontologyKey(ontologyID)} {
		if err := s.client.Expire(ctx, key, s.idleTTL).Err(); err != nil {
			return fmt.Errorf("refresh ttl %s: %w", key, err)
		}
	}
	return nil
}
