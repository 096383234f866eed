package session

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrMissingSessionCodec      = errors.New("session manager: codec required")
	ErrMissingSessionCookieName = errors.New("session manager: cookie name required")
)

// ManagerConfig describes how sessions travel in cookies.
type ManagerConfig struct {
	Codec        *Codec
	CookieName   string
	SecureCookie bool
	Logger       *zap.Logger
}

// Manager loads sessions from requests and writes them back as cookies.
type Manager struct {
	codec      *Codec
	cookieName string
	secure     bool
	logger     *zap.Logger
}

// NewManager constructs a session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Codec == nil {
		return nil, ErrMissingSessionCodec
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		codec:      cfg.Codec,
		cookieName: cookieName,
		secure:     cfg.SecureCookie,
		logger:     logger,
	}, nil
}

// CookieName returns the cookie name configured for sessions.
func (m *Manager) CookieName() string {
	return m.cookieName
}

// Load returns the session carried by the request. Missing, expired or
// tampered cookies yield a fresh empty session.
func (m *Manager) Load(r *http.Request) *Session {
	if r == nil {
		return New()
	}
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie == nil || cookie.Value == "" {
		return New()
	}
	s, err := m.codec.Decode(cookie.Value)
	if err != nil {
		if errors.Is(err, ErrExpiredSessionToken) {
			m.logger.Info("session cookie rejected", zap.Error(err))
		} else {
			m.logger.Warn("session cookie rejected", zap.Error(err))
		}
		return New()
	}
	return s
}

// Save writes the session cookie when the session changed. An emptied session
// expires the cookie.
func (m *Manager) Save(w http.ResponseWriter, s *Session) error {
	if s == nil || !s.Modified() {
		return nil
	}
	if s.Len() == 0 {
		http.SetCookie(w, &http.Cookie{
			Name:     m.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   m.secure,
			SameSite: http.SameSiteLaxMode,
		})
		s.modified = false
		return nil
	}
	token, expiresAt, err := m.codec.Encode(s)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	s.modified = false
	return nil
}
