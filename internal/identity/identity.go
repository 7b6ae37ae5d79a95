// Package identity resolves connection tokens to chat identities. The chat
// core treats this as an external collaborator: it only ever sees the
// Resolver interface.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// ErrUnknownToken means the token did not resolve to any identity; the
// caller should reject the connection.
var ErrUnknownToken = errors.New("unknown token")

// Identity is the resolved connecting user.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Resolver turns a connection token into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, token string) (Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Claims is the JWT claim set issued and accepted by JWTResolver.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver validates HMAC-signed tokens carrying the identity in their
// claims. No store round trip is needed to resolve one.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver for tokens signed with secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve parses and validates token, rejecting non-HMAC signatures.
func (r *JWTResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnknownToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, ErrUnknownToken
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Identity{ID: claims.Subject, Name: name}, nil
}

// Mint issues a token for the given identity, valid for ttl. Used by the
// token subcommand and tests.
func (r *JWTResolver) Mint(id, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// RedisResolver looks tokens up in the session store, for deployments where
// login issues opaque session tokens instead of JWTs.
type RedisResolver struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisResolver creates a resolver reading keys of the form
// prefix+token, each holding an Identity as JSON.
func NewRedisResolver(rdb *redis.Client, prefix string) *RedisResolver {
	return &RedisResolver{rdb: rdb, prefix: prefix}
}

func (r *RedisResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrUnknownToken
	}
	if err != nil {
		return Identity{}, fmt.Errorf("look up token: %w", err)
	}
	var id Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return Identity{}, fmt.Errorf("decode session record: %w", err)
	}
	if id.ID == "" {
		return Identity{}, ErrUnknownToken
	}
	if id.Name == "" {
		id.Name = id.ID
	}
	return id, nil
}
