package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/library/internal/associations"
	"github.com/MarcoPoloResearchLab/library/internal/auth"
	"github.com/MarcoPoloResearchLab/library/internal/clock"
	"github.com/MarcoPoloResearchLab/library/internal/nonces"
	"github.com/MarcoPoloResearchLab/library/internal/openid"
	"github.com/MarcoPoloResearchLab/library/internal/openid/openidtest"
	"github.com/MarcoPoloResearchLab/library/internal/session"
	"github.com/MarcoPoloResearchLab/library/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testPublicURL  = "http://library.test"
	testCookieName = "library_session"
)

type serverFixture struct {
	handler  http.Handler
	provider *openidtest.Provider
	people   *users.Service
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	return newServerFixtureWith(t, nil)
}

// newServerFixtureWith lets a test adjust the dependencies before the handler is built.
func newServerFixtureWith(t *testing.T, adjust func(*Dependencies)) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	provider := openidtest.NewProvider(t)
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&associations.Association{}, &nonces.Nonce{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	policy := clock.NewSkewPolicy(nil, time.Hour)
	associationStore, err := associations.NewStore(associations.StoreConfig{Database: db, Policy: policy})
	if err != nil {
		t.Fatalf("associations: %v", err)
	}
	nonceStore, err := nonces.NewDatabaseStore(nonces.DatabaseStoreConfig{Database: db, Policy: policy})
	if err != nil {
		t.Fatalf("nonces: %v", err)
	}
	people, err := users.NewService(users.ServiceConfig{Database: db, AdminIdentityURL: provider.IdentityURL("admin")})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	resolver, err := auth.NewResolver(people, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	client := openid.NewHTTPClient(openid.HTTPClientConfig{Timeout: 5 * time.Second, AllowPrivateNetworks: true})
	discoverer, err := openid.NewDiscoverer(openid.DiscovererConfig{HTTPClient: client})
	if err != nil {
		t.Fatalf("discoverer: %v", err)
	}
	consumer, err := openid.NewConsumer(openid.ConsumerConfig{
		Associations: associationStore,
		Nonces:       nonceStore,
		Discoverer:   discoverer,
		HTTPClient:   client,
		Policy:       policy,
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	assertions, err := openid.NewAssertionHandler(openid.AssertionHandlerConfig{Identities: people, HomePath: homePath, SignInPath: signInPath})
	if err != nil {
		t.Fatalf("assertion handler: %v", err)
	}
	codec, err := session.NewCodec(session.CodecConfig{SigningSecret: []byte("server-test-secret"), Issuer: "library"})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	sessions, err := session.NewManager(session.ManagerConfig{Codec: codec, CookieName: testCookieName})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	deps := Dependencies{
		Sessions:   sessions,
		Resolver:   resolver,
		Consumer:   consumer,
		Assertions: assertions,
		People:     people,
		PublicURL:  testPublicURL,
	}
	if adjust != nil {
		adjust(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("NewHTTPHandler: %v", err)
	}
	return &serverFixture{handler: handler, provider: provider, people: people}
}

// browser replays the session cookie between requests.
type browser struct {
	t       *testing.T
	handler http.Handler
	cookie  *http.Cookie
}

func (f *serverFixture) newBrowser(t *testing.T) *browser {
	return &browser{t: t, handler: f.handler}
}

func (b *browser) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	var body io.Reader = http.NoBody
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	request := httptest.NewRequest(method, target, body)
	if form != nil {
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if b.cookie != nil {
		request.AddCookie(b.cookie)
	}
	recorder := httptest.NewRecorder()
	b.handler.ServeHTTP(recorder, request)
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name != testCookieName {
			continue
		}
		if cookie.MaxAge < 0 {
			b.cookie = nil
			continue
		}
		b.cookie = cookie
	}
	return recorder
}

func expectRedirect(t *testing.T, recorder *httptest.ResponseRecorder, target string) {
	t.Helper()
	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if location := recorder.Header().Get("Location"); location != target {
		t.Fatalf("expected redirect to %q, got %q", target, location)
	}
}

// startSignIn posts the identifier and returns the provider redirect.
func (b *browser) startSignIn(identifier string) *url.URL {
	b.t.Helper()
	recorder := b.do(http.MethodPost, startOpenIDPath, url.Values{"openid_url": {identifier}})
	if recorder.Code != http.StatusFound {
		b.t.Fatalf("expected redirect to provider, got %d: %s", recorder.Code, recorder.Body.String())
	}
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil {
		b.t.Fatalf("invalid provider redirect: %v", err)
	}
	return location
}

// returnFromProvider follows the provider's redirect back to the site.
func (b *browser) returnFromProvider(query url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	completion, err := url.Parse(openidtest.CompletionURL(query))
	if err != nil {
		b.t.Fatalf("invalid completion url: %v", err)
	}
	return b.do(http.MethodGet, completion.RequestURI(), nil)
}

func openidtestAssertion(f *serverFixture, name string, redirect *url.URL, registration map[string]string) openidtest.Assertion {
	return openidtest.Assertion{
		ClaimedID:    f.provider.IdentityURL(name),
		ReturnTo:     redirect.Query().Get("openid.return_to"),
		Salt:         "salt-" + name + "-" + time.Now().Format(time.RFC3339Nano),
		Registration: registration,
	}
}

func (f *serverFixture) signIn(t *testing.T, b *browser, name string, registration map[string]string) {
	t.Helper()
	redirect := b.startSignIn(f.provider.IdentityURL(name))
	assertion := f.provider.PositiveAssertion(openidtestAssertion(f, name, redirect, registration))
	expectRedirect(t, b.returnFromProvider(assertion), homePath)
}
