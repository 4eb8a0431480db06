package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SecretSealer protects credential secrets written to an external store.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// redisRecord is the stored form of a session. Ref is carried explicitly
// because CredentialSet does not serialize it.
type redisRecord struct {
	Session domain.Session `json:"session"`
	Ref     string         `json:"ref,omitempty"`
	Sealed  bool           `json:"sealed"`
}

// RedisStore keeps session records in Redis so several gateway processes can
// resolve the same sessions.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	sealer SecretSealer
}

// NewRedisStore creates a Redis-backed store. A nil sealer stores secrets in
// plaintext.
func NewRedisStore(client redis.UniversalClient, prefix string, sealer SecretSealer) *RedisStore {
	if prefix == "" {
		prefix = "lab_session"
	}
	return &RedisStore{client: client, prefix: prefix, sealer: sealer}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if rec.Sealed {
		if err := s.openSecrets(&rec.Session.Credentials); err != nil {
			return nil, fmt.Errorf("open session %s: %w", id, err)
		}
	}
	rec.Session.Credentials.Ref = rec.Ref
	return &rec.Session, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *domain.Session, ttl time.Duration) error {
	rec := redisRecord{Session: *sess.Clone(), Ref: sess.Credentials.Ref}
	if s.sealer != nil {
		if err := s.sealSecrets(&rec.Session.Credentials); err != nil {
			return fmt.Errorf("seal session %s: %w", sess.ID, err)
		}
		rec.Sealed = true
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if ttl < 0 {
		ttl = 0
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(sess.ID), raw, ttl)
	pipe.HSet(ctx, s.indexKey(), sess.ID, sess.Credentials.Ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(id))
	pipe.HDel(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// IDs lists indexed session ids. Ids whose record has already lapsed are
// still returned; Get reports them absent.
func (s *RedisStore) IDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.HKeys(ctx, s.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ref returns the credential ref indexed for id. The index entry has no ttl,
// so the ref survives its lapsed record.
func (s *RedisStore) Ref(ctx context.Context, id string) (string, error) {
	ref, err := s.client.HGet(ctx, s.indexKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get ref of session %s: %w", id, err)
	}
	return ref, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) sealSecrets(c *domain.CredentialSet) error {
	var err error
	if c.SecretAccessKey, err = s.sealer.Seal(c.SecretAccessKey); err != nil {
		return err
	}
	if c.SessionToken, err = s.sealer.Seal(c.SessionToken); err != nil {
		return err
	}
	return nil
}

func (s *RedisStore) openSecrets(c *domain.CredentialSet) error {
	if s.sealer == nil {
		return errors.New("record is sealed but no sealer is configured")
	}
	var err error
	if c.SecretAccessKey, err = s.sealer.Open(c.SecretAccessKey); err != nil {
		return err
	}
	if c.SessionToken, err = s.sealer.Open(c.SessionToken); err != nil {
		return err
	}
	return nil
}

func (s *RedisStore) dataKey(id string) string {
	return fmt.Sprintf("%s:data:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:index:refs", s.prefix)
}
