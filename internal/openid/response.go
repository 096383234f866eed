package openid

import (
	"errors"

	"github.com/MarcoPoloResearchLab/library/internal/users"
)

// ErrMalformedAssertion marks a provider response that fits none of the known
// shapes. Requests carrying one are rejected without retry.
var ErrMalformedAssertion = errors.New("openid: malformed assertion")

// Response is the verified outcome of a provider redirect: Cancelled, Failed
// or Succeeded.
type Response interface {
	response()
}

// Cancelled means the user declined to sign in at the provider.
type Cancelled struct{}

// Failed means the provider reported an error or verification rejected the
// assertion.
type Failed struct {
	Message string
}

// Succeeded carries a verified identity URL and any signed registration data.
type Succeeded struct {
	IdentityURL string
	Profile     users.Profile
}

func (Cancelled) response() {}
func (Failed) response()    {}
func (Succeeded) response() {}
