package auth

import (
	"errors"

	"github.com/MarcoPoloResearchLab/library/internal/users"
)

// ErrAnonymousViewer is returned when identity fields are requested from the
// anonymous viewer. It signals a caller bug: check IsAnonymous first.
var ErrAnonymousViewer = errors.New("auth: anonymous viewer has no identity")

// Viewer is the identity attached to one request: either Anonymous or an
// Authenticated identity.
type Viewer interface {
	IsAnonymous() bool
	IsPrivileged() bool
	sealed()
}

type anonymousViewer struct{}

func (anonymousViewer) IsAnonymous() bool  { return true }
func (anonymousViewer) IsPrivileged() bool { return false }
func (anonymousViewer) sealed()            {}

// Anonymous is the shared viewer for requests without a signed-in identity.
var Anonymous Viewer = anonymousViewer{}

// Authenticated is the viewer for a request whose session names a known identity.
type Authenticated struct {
	identity users.Identity
}

// NewAuthenticated wraps a stored identity as a viewer.
func NewAuthenticated(identity users.Identity) Authenticated {
	return Authenticated{identity: identity}
}

func (Authenticated) IsAnonymous() bool { return false }
func (Authenticated) sealed()           {}

// IsPrivileged reports the administrator flag.
func (a Authenticated) IsPrivileged() bool { return a.identity.IsAdmin }

// UserID returns the surrogate user identifier.
func (a Authenticated) UserID() string { return a.identity.UserID }

// Email returns the email the provider shared, if any.
func (a Authenticated) Email() string { return a.identity.Email }

// Nickname returns the display name.
func (a Authenticated) Nickname() string { return a.identity.Name }

// IdentityURL returns the provider identity URL.
func (a Authenticated) IdentityURL() string { return a.identity.IdentityURL }

// Identity returns the underlying record.
func (a Authenticated) Identity() users.Identity { return a.identity }

// IdentityOf returns the record behind the viewer, or ErrAnonymousViewer.
func IdentityOf(viewer Viewer) (users.Identity, error) {
	authenticated, ok := viewer.(Authenticated)
	if !ok {
		return users.Identity{}, ErrAnonymousViewer
	}
	return authenticated.identity, nil
}
