package auth

import (
	"context"

	"github.com/vendora-market/vendora-chat/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID      int64
	DisplayName string
	Role        string // "admin" or "user"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, displayName, password, role string) (*store.User, error)
}
