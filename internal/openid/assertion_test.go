package openid

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/library/internal/session"
	"github.com/MarcoPoloResearchLab/library/internal/users"
)

type stubUpserter struct {
	calls   []string
	profile users.Profile
	err     error
}

func (s *stubUpserter) UpsertFromAssertion(_ context.Context, identityURL string, profile users.Profile) (users.Identity, error) {
	s.calls = append(s.calls, identityURL)
	s.profile = profile
	if s.err != nil {
		return users.Identity{}, s.err
	}
	return users.Identity{IdentityURL: identityURL, UserID: "user-1"}, nil
}

func newTestAssertionHandler(t *testing.T, upserter IdentityUpserter) *AssertionHandler {
	t.Helper()
	handler, err := NewAssertionHandler(AssertionHandlerConfig{
		Identities: upserter,
		HomePath:   "/home",
		SignInPath: "/signin",
	})
	if err != nil {
		t.Fatalf("NewAssertionHandler: %v", err)
	}
	return handler
}

func TestHandleCancelledLeavesSessionUntouched(t *testing.T) {
	upserter := &stubUpserter{}
	handler := newTestAssertionHandler(t, upserter)
	s := session.New()

	outcome, err := handler.Handle(context.Background(), Cancelled{}, s)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome.Redirect != "/home" {
		t.Fatalf("expected redirect home, got %q", outcome.Redirect)
	}
	if s.Modified() || len(upserter.calls) != 0 {
		t.Fatalf("cancel must not change identity state")
	}
}

func TestHandleFailedFlashesMessage(t *testing.T) {
	upserter := &stubUpserter{}
	handler := newTestAssertionHandler(t, upserter)
	s := session.New()

	outcome, err := handler.Handle(context.Background(), Failed{Message: "nope"}, s)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome.Redirect != "/signin" {
		t.Fatalf("expected redirect to sign-in, got %q", outcome.Redirect)
	}
	message, ok := s.PopFlash(LoginErrorFlash)
	if !ok || message != "nope" {
		t.Fatalf("expected login error flash, got %q (%v)", message, ok)
	}
	if _, ok := s.Get(session.IdentityURLKey); ok {
		t.Fatalf("failure must not sign the session in")
	}
	if len(upserter.calls) != 0 {
		t.Fatalf("failure must not touch identities")
	}
}

func TestHandleSucceededSignsSessionIn(t *testing.T) {
	upserter := &stubUpserter{}
	handler := newTestAssertionHandler(t, upserter)
	s := session.New()
	nickname := "alice"

	outcome, err := handler.Handle(context.Background(), Succeeded{
		IdentityURL: "http://alice.example/",
		Profile:     users.Profile{Nickname: &nickname},
	}, s)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome.Redirect != "/home" || outcome.Identity == nil || outcome.Identity.UserID != "user-1" {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
	if identityURL, _ := s.Get(session.IdentityURLKey); identityURL != "http://alice.example/" {
		t.Fatalf("expected session to name the identity, got %q", identityURL)
	}
	if upserter.profile.Nickname == nil || *upserter.profile.Nickname != "alice" {
		t.Fatalf("expected profile to reach the repository")
	}
}

func TestHandlePropagatesStorageFailure(t *testing.T) {
	storageErr := errors.New("database locked")
	handler := newTestAssertionHandler(t, &stubUpserter{err: storageErr})
	s := session.New()

	_, err := handler.Handle(context.Background(), Succeeded{IdentityURL: "http://alice.example/"}, s)
	if !errors.Is(err, storageErr) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if _, ok := s.Get(session.IdentityURLKey); ok {
		t.Fatalf("session must not be signed in after a storage failure")
	}
}

func TestHandleRejectsMalformedResponses(t *testing.T) {
	handler := newTestAssertionHandler(t, &stubUpserter{})

	for name, response := range map[string]Response{
		"nil":              nil,
		"pointer shape":    &Cancelled{},
		"missing identity": Succeeded{IdentityURL: "   "},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := handler.Handle(context.Background(), response, session.New()); !errors.Is(err, ErrMalformedAssertion) {
				t.Fatalf("expected malformed assertion, got %v", err)
			}
		})
	}
}

func TestHandleRequiresSession(t *testing.T) {
	upserter := &stubUpserter{}
	handler := newTestAssertionHandler(t, upserter)

	responses := []Response{
		Cancelled{},
		Failed{Message: "denied"},
		Succeeded{IdentityURL: "https://alice.example/"},
	}
	for _, response := range responses {
		if _, err := handler.Handle(context.Background(), response, nil); !errors.Is(err, ErrMissingSession) {
			t.Fatalf("%T: expected ErrMissingSession, got %v", response, err)
		}
	}
	if len(upserter.calls) != 0 {
		t.Fatalf("no identity may be recorded without a session")
	}
}

func TestNewAssertionHandlerRequiresIdentities(t *testing.T) {
	if _, err := NewAssertionHandler(AssertionHandlerConfig{}); err == nil {
		t.Fatalf("expected error without identity repository")
	}
}
