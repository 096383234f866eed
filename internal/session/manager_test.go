package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestManager(t *testing.T, codec *Codec, logger *zap.Logger) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerConfig{
		Codec:      codec,
		CookieName: testSessionCookieName,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager
}

func TestManagerSaveAndLoad(t *testing.T) {
	codec := newTestCodec(t, time.Now)
	manager := newTestManager(t, codec, zap.NewNop())

	s := manager.Load(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if s.Len() != 0 {
		t.Fatalf("expected empty session without cookie")
	}
	s.Set(IdentityURLKey, testIdentityURL)

	recorder := httptest.NewRecorder()
	if err := manager.Save(recorder, s); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != testSessionCookieName {
		t.Fatalf("expected session cookie, got %#v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Fatalf("expected HttpOnly session cookie")
	}

	request := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	request.AddCookie(cookies[0])
	loaded := manager.Load(request)
	if value, ok := loaded.Get(IdentityURLKey); !ok || value != testIdentityURL {
		t.Fatalf("unexpected identity url %q (present=%v)", value, ok)
	}
}

func TestManagerSaveSkipsUnmodifiedSessions(t *testing.T) {
	manager := newTestManager(t, newTestCodec(t, time.Now), zap.NewNop())
	recorder := httptest.NewRecorder()
	if err := manager.Save(recorder, New()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if len(recorder.Result().Cookies()) != 0 {
		t.Fatalf("expected no cookie for an untouched session")
	}
}

func TestManagerSaveExpiresClearedSessions(t *testing.T) {
	codec := newTestCodec(t, time.Now)
	manager := newTestManager(t, codec, zap.NewNop())

	s := New()
	s.Set(IdentityURLKey, testIdentityURL)
	token, _, err := codec.Encode(s)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/signout", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})

	loaded := manager.Load(request)
	loaded.Delete(IdentityURLKey)
	recorder := httptest.NewRecorder()
	if err := manager.Save(recorder, loaded); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected expiring cookie, got %#v", cookies)
	}
}

func TestManagerLoadLogsExpiredCookieAtInfoLevel(t *testing.T) {
	clockNow := time.Now()
	stale := newTestCodec(t, func() time.Time { return clockNow.Add(-2 * time.Hour) })
	token, _, err := stale.Encode(New())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	manager := newTestManager(t, newTestCodec(t, func() time.Time { return clockNow }), zap.New(core))

	request := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})
	if s := manager.Load(request); s.Len() != 0 {
		t.Fatalf("expected expired cookie to yield an empty session")
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired cookie, got %s", entries[0].Level)
	}
}

func TestManagerLoadLogsTamperedCookieAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	manager := newTestManager(t, newTestCodec(t, time.Now), zap.New(core))

	request := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: "not-a-token"})
	manager.Load(request)

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected a single warn entry, got %#v", entries)
	}
}
