// Package openidtest runs an in-process OpenID 2.0 provider for tests.
package openidtest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	namespace     = "http://specs.openid.net/auth/2.0"
	sregNamespace = "http://openid.net/extensions/sreg/1.1"
	nonceLayout   = "2006-01-02T15:04:05Z"
	// StatelessHandle signs assertions the relying party must verify with
	// check_authentication.
	StatelessHandle = "stateless-handle"
)

// Provider is a minimal OpenID 2.0 provider: HTML discovery pages under
// /id/<name>, an endpoint at /op answering associate and
// check_authentication, and helpers that build signed assertions.
type Provider struct {
	Server *httptest.Server

	t                 testing.TB
	mu                sync.Mutex
	secrets           map[string][]byte
	lastHandle        string
	handleCounter     int
	lifetime          time.Duration
	refuseAssociation bool
	invalidateHandle  string
	associateCalls    int
	checkAuthCalls    int
	discoveryCalls    int
}

// NewProvider starts the provider and stops it when the test ends.
func NewProvider(t testing.TB) *Provider {
	t.Helper()
	provider := &Provider{
		t:        t,
		secrets:  map[string][]byte{StatelessHandle: randomSecret(t)},
		lifetime: time.Hour,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/id/", provider.serveIdentityPage)
	mux.HandleFunc("/plain", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>no openid here</title></head><body></body></html>"))
	})
	mux.HandleFunc("/op", provider.serveEndpoint)
	provider.Server = httptest.NewServer(mux)
	t.Cleanup(provider.Server.Close)
	return provider
}

// EndpointURL is the provider endpoint advertised by discovery pages.
func (p *Provider) EndpointURL() string {
	return p.Server.URL + "/op"
}

// IdentityURL returns the claimed identifier for name.
func (p *Provider) IdentityURL(name string) string {
	return p.Server.URL + "/id/" + name
}

// RefuseAssociations makes associate requests fail with unsupported-type.
func (p *Provider) RefuseAssociations() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refuseAssociation = true
}

// SetAssociationLifetime controls expires_in for new associations.
func (p *Provider) SetAssociationLifetime(lifetime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifetime = lifetime
}

// InvalidateOnCheck makes check_authentication replies carry invalidate_handle.
func (p *Provider) InvalidateOnCheck(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidateHandle = handle
}

// AssociateCalls counts associate requests served.
func (p *Provider) AssociateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.associateCalls
}

// CheckAuthenticationCalls counts check_authentication requests served.
func (p *Provider) CheckAuthenticationCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkAuthCalls
}

// DiscoveryCalls counts identity page fetches.
func (p *Provider) DiscoveryCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryCalls
}

// LastHandle returns the most recently issued association handle.
func (p *Provider) LastHandle() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHandle
}

// Assertion describes a positive assertion to build.
type Assertion struct {
	ClaimedID string
	ReturnTo  string
	Issued    time.Time
	Salt      string
	// Stateless signs with a handle the relying party never saw.
	Stateless bool
	// Registration values are sent and signed; Unsigned values are sent only.
	Registration         map[string]string
	UnsignedRegistration map[string]string
}

// PositiveAssertion builds the id_res query the provider would redirect with.
func (p *Provider) PositiveAssertion(assertion Assertion) url.Values {
	p.t.Helper()
	handle := StatelessHandle
	if !assertion.Stateless {
		handle = p.LastHandle()
		if handle == "" {
			p.t.Fatalf("openidtest: no association issued yet")
		}
	}
	issued := assertion.Issued
	if issued.IsZero() {
		issued = time.Now()
	}
	query := url.Values{}
	query.Set("openid.ns", namespace)
	query.Set("openid.mode", "id_res")
	query.Set("openid.op_endpoint", p.EndpointURL())
	query.Set("openid.claimed_id", assertion.ClaimedID)
	query.Set("openid.identity", assertion.ClaimedID)
	query.Set("openid.return_to", assertion.ReturnTo)
	query.Set("openid.response_nonce", issued.UTC().Format(nonceLayout)+assertion.Salt)
	query.Set("openid.assoc_handle", handle)
	signed := []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle", "claimed_id", "identity"}

	if len(assertion.Registration) > 0 || len(assertion.UnsignedRegistration) > 0 {
		query.Set("openid.ns.sreg", sregNamespace)
		signed = append(signed, "ns.sreg")
	}
	for _, name := range sortedKeys(assertion.Registration) {
		query.Set("openid.sreg."+name, assertion.Registration[name])
		signed = append(signed, "sreg."+name)
	}
	for name, value := range assertion.UnsignedRegistration {
		query.Set("openid.sreg."+name, value)
	}
	query.Set("openid.signed", strings.Join(signed, ","))
	query.Set("openid.sig", p.sign(handle, query, signed))
	return query
}

// CompletionURL appends the assertion to its return_to URL.
func CompletionURL(query url.Values) string {
	returnTo := query.Get("openid.return_to")
	separator := "?"
	if strings.Contains(returnTo, "?") {
		separator = "&"
	}
	return returnTo + separator + query.Encode()
}

func (p *Provider) sign(handle string, query url.Values, signed []string) string {
	p.mu.Lock()
	secret, ok := p.secrets[handle]
	p.mu.Unlock()
	if !ok {
		p.t.Fatalf("openidtest: unknown handle %q", handle)
	}
	return signature(secret, query, signed)
}

func signature(secret []byte, query url.Values, signed []string) string {
	var builder strings.Builder
	for _, field := range signed {
		builder.WriteString(field + ":" + query.Get("openid."+field) + "\n")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(builder.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (p *Provider) serveIdentityPage(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.discoveryCalls++
	p.mu.Unlock()
	w.Header().Set("Content-Type", "text/html")
	page := fmt.Sprintf(`<!DOCTYPE html>
<html><head>
<title>%s</title>
<link rel="openid2.provider openid.server" href="%s">
</head><body><p>identity page</p></body></html>`, strings.TrimPrefix(r.URL.Path, "/id/"), p.EndpointURL())
	_, _ = w.Write([]byte(page))
}

func (p *Provider) serveEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "checkid is not interactive here", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch r.PostForm.Get("openid.mode") {
	case "associate":
		p.associate(w, r.PostForm)
	case "check_authentication":
		p.checkAuthentication(w, r.PostForm)
	default:
		writeKeyValue(w, http.StatusBadRequest, "ns", namespace, "error", "unsupported mode")
	}
}

func (p *Provider) associate(w http.ResponseWriter, form url.Values) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.associateCalls++
	if p.refuseAssociation || form.Get("openid.assoc_type") != "HMAC-SHA256" {
		writeKeyValue(w, http.StatusBadRequest, "ns", namespace, "error", "association refused", "error_code", "unsupported-type")
		return
	}
	p.handleCounter++
	handle := fmt.Sprintf("assoc-%d", p.handleCounter)
	secret := randomSecret(p.t)
	p.secrets[handle] = secret
	p.lastHandle = handle
	writeKeyValue(w, http.StatusOK,
		"ns", namespace,
		"assoc_handle", handle,
		"assoc_type", "HMAC-SHA256",
		"session_type", "no-encryption",
		"expires_in", fmt.Sprintf("%d", int64(p.lifetime/time.Second)),
		"mac_key", base64.StdEncoding.EncodeToString(secret),
	)
}

func (p *Provider) checkAuthentication(w http.ResponseWriter, form url.Values) {
	p.mu.Lock()
	p.checkAuthCalls++
	secret, ok := p.secrets[form.Get("openid.assoc_handle")]
	invalidate := p.invalidateHandle
	p.mu.Unlock()

	valid := false
	if ok {
		signed := strings.Split(form.Get("openid.signed"), ",")
		expected := signature(secret, form, signed)
		valid = hmac.Equal([]byte(expected), []byte(form.Get("openid.sig")))
	}
	pairs := []string{"ns", namespace, "is_valid", fmt.Sprintf("%t", valid)}
	if invalidate != "" {
		pairs = append(pairs, "invalidate_handle", invalidate)
	}
	writeKeyValue(w, http.StatusOK, pairs...)
}

func writeKeyValue(w http.ResponseWriter, status int, pairs ...string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	for index := 0; index+1 < len(pairs); index += 2 {
		_, _ = fmt.Fprintf(w, "%s:%s\n", pairs[index], pairs[index+1])
	}
}

func randomSecret(t testing.TB) []byte {
	secret := make([]byte, sha256.Size)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("openidtest: random secret: %v", err)
	}
	return secret
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
