package identity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTResolverRoundTrip(t *testing.T) {
	r := NewJWTResolver("test-secret")

	token, err := r.Mint("alice@example.com", "Alice", time.Hour)
	require.NoError(t, err)

	ident, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "alice@example.com", Name: "Alice"}, ident)
}

func TestJWTResolverNameDefaultsToID(t *testing.T) {
	r := NewJWTResolver("test-secret")

	token, err := r.Mint("alice", "", time.Hour)
	require.NoError(t, err)

	ident, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", ident.Name)
}

func TestJWTResolverRejections(t *testing.T) {
	r := NewJWTResolver("test-secret")

	_, err := r.Resolve(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrUnknownToken)

	// Wrong secret.
	other, err := NewJWTResolver("other-secret").Mint("alice", "Alice", time.Hour)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), other)
	assert.ErrorIs(t, err, ErrUnknownToken)

	// Expired.
	expired, err := r.Mint("alice", "Alice", -time.Minute)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), expired)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestRedisResolver(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	r := NewRedisResolver(rdb, "session_")
	ctx := context.Background()

	require.NoError(t, mr.Set("session_tok123", `{"id":"alice@example.com","name":"Alice"}`))
	ident, err := r.Resolve(ctx, "tok123")
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "alice@example.com", Name: "Alice"}, ident)

	require.NoError(t, mr.Set("session_tok456", `{"id":"bob"}`))
	ident, err = r.Resolve(ctx, "tok456")
	require.NoError(t, err)
	assert.Equal(t, "bob", ident.Name)

	_, err = r.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownToken)
}
