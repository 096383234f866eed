package openid

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/library/internal/session"
	"github.com/MarcoPoloResearchLab/library/internal/users"
	"go.uber.org/zap"
)

// LoginErrorFlash names the flash message shown on the sign-in page.
const LoginErrorFlash = "loginerror"

var (
	errMissingIdentities = errors.New("openid: identity upserter required")
	// ErrMissingSession reports a Handle call without a session to update.
	ErrMissingSession = errors.New("openid: session required")
)

// IdentityUpserter records the identity asserted by a provider.
type IdentityUpserter interface {
	UpsertFromAssertion(ctx context.Context, identityURL string, profile users.Profile) (users.Identity, error)
}

// AssertionHandlerConfig wires the handler.
type AssertionHandlerConfig struct {
	Identities IdentityUpserter
	HomePath   string
	SignInPath string
	Recorder   Recorder
	Logger     *zap.Logger
}

// Outcome tells the transport where to send the browser next.
type Outcome struct {
	Redirect string
	// Identity is set only after a successful sign-in.
	Identity *users.Identity
}

// AssertionHandler applies a verified provider response to the session.
type AssertionHandler struct {
	identities IdentityUpserter
	homePath   string
	signInPath string
	recorder   Recorder
	logger     *zap.Logger
}

// NewAssertionHandler validates the configuration and builds the handler.
func NewAssertionHandler(cfg AssertionHandlerConfig) (*AssertionHandler, error) {
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}
	handler := &AssertionHandler{
		identities: cfg.Identities,
		homePath:   cfg.HomePath,
		signInPath: cfg.SignInPath,
		recorder:   cfg.Recorder,
		logger:     cfg.Logger,
	}
	if handler.homePath == "" {
		handler.homePath = "/"
	}
	if handler.signInPath == "" {
		handler.signInPath = "/signin"
	}
	if handler.recorder == nil {
		handler.recorder = nopRecorder{}
	}
	if handler.logger == nil {
		handler.logger = zap.NewNop()
	}
	return handler, nil
}

// Handle applies the response. Cancelled leaves the session untouched,
// Failed adds a login error flash, Succeeded upserts the identity and signs
// the session in. Anything else yields ErrMalformedAssertion.
func (h *AssertionHandler) Handle(ctx context.Context, response Response, s *session.Session) (Outcome, error) {
	if s == nil {
		return Outcome{}, ErrMissingSession
	}
	switch resp := response.(type) {
	case Cancelled:
		h.recorder.RecordAssertion(outcomeCancelled)
		return Outcome{Redirect: h.homePath}, nil
	case Failed:
		h.recorder.RecordAssertion(outcomeFailed)
		h.logger.Info("openid sign-in failed", zap.String("reason", resp.Message))
		s.AddFlash(LoginErrorFlash, resp.Message)
		return Outcome{Redirect: h.signInPath}, nil
	case Succeeded:
		if strings.TrimSpace(resp.IdentityURL) == "" {
			h.recorder.RecordAssertion(outcomeMalformed)
			return Outcome{}, fmt.Errorf("%w: success without identity url", ErrMalformedAssertion)
		}
		identity, err := h.identities.UpsertFromAssertion(ctx, resp.IdentityURL, resp.Profile)
		if err != nil {
			h.logger.Error("identity upsert failed", zap.String("identity_url", resp.IdentityURL), zap.Error(err))
			return Outcome{}, fmt.Errorf("openid: record identity: %w", err)
		}
		s.Set(session.IdentityURLKey, identity.IdentityURL)
		h.recorder.RecordAssertion(outcomeSucceeded)
		h.logger.Info("openid sign-in succeeded", zap.String("identity_url", identity.IdentityURL), zap.String("user_id", identity.UserID))
		return Outcome{Redirect: h.homePath, Identity: &identity}, nil
	default:
		h.recorder.RecordAssertion(outcomeMalformed)
		return Outcome{}, fmt.Errorf("%w: unexpected response %T", ErrMalformedAssertion, response)
	}
}
