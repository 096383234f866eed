package auth

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/library/internal/session"
	"github.com/MarcoPoloResearchLab/library/internal/users"
	"go.uber.org/zap"
)

var errMissingIdentityFinder = errors.New("auth: identity finder required")

// IdentityFinder loads identities by identity URL.
type IdentityFinder interface {
	FindByIdentityURL(ctx context.Context, identityURL string) (users.Identity, bool, error)
}

// Resolver turns a session into the request viewer.
type Resolver struct {
	finder IdentityFinder
	logger *zap.Logger
}

// NewResolver constructs a resolver backed by the identity repository.
func NewResolver(finder IdentityFinder, logger *zap.Logger) (*Resolver, error) {
	if finder == nil {
		return nil, errMissingIdentityFinder
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{finder: finder, logger: logger}, nil
}

// Resolve returns Anonymous when the session names no identity or an unknown
// one, and the Authenticated viewer otherwise. Storage failures are returned.
func (r *Resolver) Resolve(ctx context.Context, s *session.Session) (Viewer, error) {
	if s == nil {
		return Anonymous, nil
	}
	identityURL, ok := s.Get(session.IdentityURLKey)
	if !ok || identityURL == "" {
		return Anonymous, nil
	}
	identity, found, err := r.finder.FindByIdentityURL(ctx, identityURL)
	if err != nil {
		return nil, err
	}
	if !found {
		r.logger.Debug("session names unknown identity", zap.String("identity_url", identityURL))
		return Anonymous, nil
	}
	return NewAuthenticated(identity), nil
}
