package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync-server/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	prefix := fmt.Sprintf("docsync-test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})

	s, err := New(Config{Client: client, KeyPrefix: prefix})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRedisStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), "nope")

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc1", "<p>Hello</p>", 1))
	require.NoError(t, s.Save(ctx, "doc1", "<p>Hi</p>", 2))

	got, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, domain.Document{Content: "<p>Hi</p>", Version: 2}, got)
}

func TestRedisStore_StaleSaveIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc1", "new", 5))
	require.NoError(t, s.Save(ctx, "doc1", "old", 4))

	got, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, domain.Document{Content: "new", Version: 5}, got)
}

func TestRedisStore_SaveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc1", "", 1))
	require.NoError(t, s.Save(ctx, "doc1", "", 1))

	got, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, domain.Document{Content: "", Version: 1}, got)
}

func TestRedisPermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := s.Permissions(domain.AccessNone)

	require.NoError(t, p.SetOwner(ctx, "doc1", "alice"))
	require.NoError(t, p.Grant(ctx, "doc1", "rita", domain.AccessRead))
	require.NoError(t, p.Grant(ctx, "doc1", "eve", domain.AccessEdit))

	tests := []struct {
		user string
		want domain.Access
	}{
		{user: "alice", want: domain.AccessEdit},
		{user: "rita", want: domain.AccessRead},
		{user: "eve", want: domain.AccessEdit},
		{user: "sam", want: domain.AccessNone},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			got, err := p.Access(ctx, tt.user, "doc1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
