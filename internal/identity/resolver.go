// Package identity resolves connection tokens into verified user identities.
// The identity provider is a separate service: after it authenticates a user
// it deposits the verified identity in Redis under the token the client will
// present on the websocket upgrade. This package only reads those deposits;
// it never issues or refreshes tokens.
//
//	Key:   identity:token:<token>
//	Value: hash {user_id, username, image_url}
//	TTL:   owned by the identity provider
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// TokenPrefix is the Redis key prefix for identity deposits.
const TokenPrefix = "identity:token:"

// ErrUnknownToken is returned when no identity is deposited for a token,
// either because the token is invalid or because the deposit expired.
var ErrUnknownToken = errors.New("identity: unknown token")

// Identity is the authenticated caller on a connection. It is resolved once
// at upgrade time and attached to the connection for its lifetime.
type Identity struct {
	UserID   string `redis:"user_id"`
	Username string `redis:"username"`
	ImageURL string `redis:"image_url"`
}

// Resolver looks up identity deposits in Redis.
type Resolver struct {
	client *redis.Client
}

// NewResolver creates a Resolver using the provided Redis client.
func NewResolver(client *redis.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns the identity deposited for token. It returns
// ErrUnknownToken if the deposit does not exist or has expired, and wraps
// any Redis error so callers can distinguish auth failures from outages.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnknownToken
	}

	var id Identity
	if err := r.client.HGetAll(ctx, TokenPrefix+token).Scan(&id); err != nil {
		return nil, fmt.Errorf("identity: resolve token: %w", err)
	}
	if id.UserID == "" {
		return nil, ErrUnknownToken
	}
	return &id, nil
}
