// Package redis stores document snapshots and permission grants in Redis.
//
// Layout, relative to KeyPrefix:
//
//	doc:<id>    hash {content, version}
//	owner:<id>  string, owning user id
//	acl:<id>    hash userID -> READ | COMMENT | EDIT
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"docsync-server/domain"
)

// saveScript writes the snapshot unless a newer version is already stored.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'content', ARGV[1], 'version', ARGV[2])
return 1
`)

type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "docsync:"
	KeyPrefix string
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "docsync:"
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

func (s *Store) docKey(docID string) string   { return s.keyPrefix + "doc:" + docID }
func (s *Store) ownerKey(docID string) string { return s.keyPrefix + "owner:" + docID }
func (s *Store) aclKey(docID string) string   { return s.keyPrefix + "acl:" + docID }

func (s *Store) Load(ctx context.Context, docID string) (domain.Document, error) {
	vals, err := s.client.HGetAll(ctx, s.docKey(docID)).Result()
	if err != nil {
		return domain.Document{}, fmt.Errorf("failed to load %s: %w", docID, err)
	}
	if len(vals) == 0 {
		return domain.Document{}, domain.ErrNotFound
	}

	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return domain.Document{}, fmt.Errorf("bad version for %s: %w", docID, err)
	}
	return domain.Document{Content: vals["content"], Version: version}, nil
}

func (s *Store) Save(ctx context.Context, docID, content string, version int64) error {
	err := saveScript.Run(ctx, s.client, []string{s.docKey(docID)}, content, version).Err()
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", docID, err)
	}
	return nil
}

// Permissions answers access checks from the owner and acl keys written by
// the document service.
type Permissions struct {
	store    *Store
	fallback domain.Access
}

func (s *Store) Permissions(fallback domain.Access) *Permissions {
	return &Permissions{store: s, fallback: fallback}
}

func (p *Permissions) Access(ctx context.Context, userID, docID string) (domain.Access, error) {
	owner, err := p.store.client.Get(ctx, p.store.ownerKey(docID)).Result()
	switch {
	case err == nil && owner == userID:
		return domain.AccessEdit, nil
	case err != nil && !errors.Is(err, redis.Nil):
		return domain.AccessNone, fmt.Errorf("failed to read owner of %s: %w", docID, err)
	}

	name, err := p.store.client.HGet(ctx, p.store.aclKey(docID), userID).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return p.fallback, nil
	case err != nil:
		return domain.AccessNone, fmt.Errorf("failed to read acl of %s: %w", docID, err)
	}
	return domain.ParseAccess(name), nil
}

func (p *Permissions) SetOwner(ctx context.Context, docID, userID string) error {
	return p.store.client.Set(ctx, p.store.ownerKey(docID), userID, 0).Err()
}

func (p *Permissions) Grant(ctx context.Context, docID, userID string, access domain.Access) error {
	return p.store.client.HSet(ctx, p.store.aclKey(docID), userID, access.String()).Err()
}
