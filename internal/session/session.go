// Package session implements the browser-scoped, string-keyed session store
// carried in a signed cookie.
package session

import "sort"

const (
	// IdentityURLKey holds the identity URL of the signed-in viewer.
	IdentityURLKey = "openid"
	// PendingEndpointKey holds the provider endpoint of an in-flight handshake.
	PendingEndpointKey = "openid.pending"

	flashPrefix = "flash."
)

// Session is a mutable string-keyed store scoped to one browser.
type Session struct {
	values   map[string]string
	modified bool
}

// New returns an empty session.
func New() *Session {
	return &Session{values: map[string]string{}}
}

func fromValues(values map[string]string) *Session {
	s := New()
	for key, value := range values {
		s.values[key] = value
	}
	return s
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (string, bool) {
	value, ok := s.values[key]
	return value, ok
}

// Set stores value under key.
func (s *Session) Set(key, value string) {
	if current, ok := s.values[key]; ok && current == value {
		return
	}
	s.values[key] = value
	s.modified = true
}

// Delete removes key if present.
func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.modified = true
}

// Clear removes every key.
func (s *Session) Clear() {
	if len(s.values) == 0 {
		return
	}
	s.values = map[string]string{}
	s.modified = true
}

// Keys returns the stored keys in sorted order.
func (s *Session) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (s *Session) Len() int {
	return len(s.values)
}

// Modified reports whether the session changed since it was loaded.
func (s *Session) Modified() bool {
	return s.modified
}

// AddFlash stores a one-shot message under name.
func (s *Session) AddFlash(name, message string) {
	s.Set(flashPrefix+name, message)
}

// PopFlash returns and removes the one-shot message stored under name.
func (s *Session) PopFlash(name string) (string, bool) {
	message, ok := s.Get(flashPrefix + name)
	if ok {
		s.Delete(flashPrefix + name)
	}
	return message, ok
}

func (s *Session) snapshot() map[string]string {
	values := make(map[string]string, len(s.values))
	for key, value := range s.values {
		values[key] = value
	}
	return values
}
