package tags

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gargmanash/approval-mainnc/internal/util"
)

// RedisStore implements Store on Redis: one set of file ids per tag,
// plus two hashes forming the tag registry (name->id and id->name).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "approval:"}
}

func (s *RedisStore) membersKey(tagID string) string {
	return s.prefix + "tag:" + tagID
}

func (s *RedisStore) namesKey() string {
	return s.prefix + "tagnames"
}

func (s *RedisStore) idsKey() string {
	return s.prefix + "tagids"
}

// Create registers a new tag and returns its id. Names are unique.
func (s *RedisStore) Create(ctx context.Context, name string) (string, error) {
	exists, err := s.client.HExists(ctx, s.namesKey(), name).Result()
	if err != nil {
		return "", fmt.Errorf("check tag name: %w", err)
	}
	if exists {
		return "", ErrTagExists
	}
	tagID := util.NewID("tag")
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.namesKey(), name, tagID)
	pipe.HSet(ctx, s.idsKey(), tagID, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("register tag: %w", err)
	}
	return tagID, nil
}

// Delete removes a tag and all its file associations.
func (s *RedisStore) Delete(ctx context.Context, tagID string) error {
	name, err := s.client.HGet(ctx, s.idsKey(), tagID).Result()
	if err == redis.Nil {
		return ErrTagNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup tag: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.membersKey(tagID))
	pipe.HDel(ctx, s.namesKey(), name)
	pipe.HDel(ctx, s.idsKey(), tagID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return nil
}

func (s *RedisStore) registered(ctx context.Context, tagID string) (bool, error) {
	exists, err := s.client.HExists(ctx, s.idsKey(), tagID).Result()
	if err != nil {
		return false, fmt.Errorf("check tag: %w", err)
	}
	return exists, nil
}

// Assign adds the tag to a file. Unknown tags yield ErrTagNotFound.
func (s *RedisStore) Assign(ctx context.Context, fileID, tagID string) error {
	ok, err := s.registered(ctx, tagID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTagNotFound
	}
	if err := s.client.SAdd(ctx, s.membersKey(tagID), fileID).Err(); err != nil {
		return fmt.Errorf("assign tag: %w", err)
	}
	return nil
}

// Unassign removes the tag from a file. Removing an absent assignment is
// a no-op; unknown tags yield ErrTagNotFound.
func (s *RedisStore) Unassign(ctx context.Context, fileID, tagID string) error {
	ok, err := s.registered(ctx, tagID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTagNotFound
	}
	if err := s.client.SRem(ctx, s.membersKey(tagID), fileID).Err(); err != nil {
		return fmt.Errorf("unassign tag: %w", err)
	}
	return nil
}

// Has reports whether the file carries the tag.
func (s *RedisStore) Has(ctx context.Context, fileID, tagID string) (bool, error) {
	ok, err := s.registered(ctx, tagID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrTagNotFound
	}
	member, err := s.client.SIsMember(ctx, s.membersKey(tagID), fileID).Result()
	if err != nil {
		return false, fmt.Errorf("check tag membership: %w", err)
	}
	return member, nil
}

// FilesWithTag lists all file ids carrying the tag.
func (s *RedisStore) FilesWithTag(ctx context.Context, tagID string) ([]string, error) {
	ok, err := s.registered(ctx, tagID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTagNotFound
	}
	fileIDs, err := s.client.SMembers(ctx, s.membersKey(tagID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list tagged files: %w", err)
	}
	return fileIDs, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
