// Package identity is the boundary to the external directory service.
// The core never issues or refreshes credentials; it only resolves a
// bearer token into a validated identity. The directory publishes active
// tokens into Redis:
//
//	Key:   authtoken:<token>
//	Value: hash {user_id, role}
//	TTL:   managed by the directory
package identity

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/huddle/chat-backend/internal/fault"
)

// TokenPrefix is the Redis key prefix for active bearer tokens.
const TokenPrefix = "authtoken:"

// Identity is a validated caller.
type Identity struct {
	UserID string `redis:"user_id"`
	Role   string `redis:"role"`
}

// Verifier resolves bearer credentials presented at the connection
// handshake.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// RedisVerifier reads the directory service's token cache.
type RedisVerifier struct {
	client *redis.Client
}

// NewRedisVerifier creates a Verifier over the given Redis client.
func NewRedisVerifier(client *redis.Client) *RedisVerifier {
	return &RedisVerifier{client: client}
}

// Verify resolves a bearer token. An absent or expired token is a
// Forbidden fault; the connection is rejected, not admitted.
func (v *RedisVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fault.New(fault.KindForbidden, "missing bearer token")
	}

	var id Identity
	err := v.client.HGetAll(ctx, TokenPrefix+token).Scan(&id)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.KindForbidden, "invalid or expired token")
		}
		return nil, fault.Wrap(fault.KindForbidden, "token verification unavailable", err)
	}
	if id.UserID == "" {
		return nil, fault.New(fault.KindForbidden, "invalid or expired token")
	}
	return &id, nil
}
