package service

import (
	"context"
	"crypto/subtle"
	"errors"
)

// Auther gates the register frame. Authentication proper is an external
// concern; this is the last-line credential check callback.
type Auther interface {
	Authorize(ctx context.Context, agentID, token string) error
}

var ErrUnauthorized = errors.New("unauthorized")

// apiKeyAuther compares a static key. An empty configured key allows
// every caller (development mode).
type apiKeyAuther struct {
	key string
}

func NewAPIKeyAuther(key string) Auther {
	return &apiKeyAuther{key: key}
}

func (a *apiKeyAuther) Authorize(_ context.Context, _ string, token string) error {
	if a.key == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(a.key), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AutherFunc adapts a function to the Auther interface.
type AutherFunc func(ctx context.Context, agentID, token string) error

func (f AutherFunc) Authorize(ctx context.Context, agentID, token string) error {
	return f(ctx, agentID, token)
}
