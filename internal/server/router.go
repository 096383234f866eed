package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/library/internal/auth"
	"github.com/MarcoPoloResearchLab/library/internal/openid"
	"github.com/MarcoPoloResearchLab/library/internal/session"
	"github.com/MarcoPoloResearchLab/library/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionContextKey = "library_session"

	homePath           = "/"
	signInPath         = "/signin"
	startOpenIDPath    = "/signin/openid"
	completeOpenIDPath = "/signin/openid/complete"
	signOutPath        = "/signout"

	missingIdentifierMessage = "An OpenID as whom to sign in is required."
)

var (
	errMissingSessionManager = errors.New("session manager dependency required")
	errMissingResolver       = errors.New("viewer resolver dependency required")
	errMissingConsumer       = errors.New("openid consumer dependency required")
	errMissingAssertions     = errors.New("assertion handler dependency required")
	errMissingPeople         = errors.New("people directory dependency required")
	errInvalidPublicURL      = errors.New("public url must be an absolute http(s) url")
)

// ViewerResolver maps a session to the request viewer.
type ViewerResolver interface {
	Resolve(ctx context.Context, s *session.Session) (auth.Viewer, error)
}

// HandshakeConsumer runs the provider handshake.
type HandshakeConsumer interface {
	Begin(ctx context.Context, identifier, realm, returnTo string, s *session.Session) (string, error)
	Complete(ctx context.Context, query url.Values, currentURL string, s *session.Session) (openid.Response, error)
}

// AssertionApplier applies a verified provider response to the session.
type AssertionApplier interface {
	Handle(ctx context.Context, response openid.Response, s *session.Session) (openid.Outcome, error)
}

// PeopleDirectory serves public profiles and the administrator listing.
type PeopleDirectory interface {
	FindBySlug(ctx context.Context, slug string) (users.Identity, bool, error)
	List(ctx context.Context) ([]users.Identity, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Sessions   *session.Manager
	Resolver   ViewerResolver
	Consumer   HandshakeConsumer
	Assertions AssertionApplier
	People     PeopleDirectory
	// PublicURL is the external origin; realm and return_to derive from it.
	PublicURL   string
	CORSOrigins []string
	// TrustedProxies lists the proxies whose forwarding headers are honored.
	// Empty means client addresses come from the connection alone.
	TrustedProxies []string
	// SignInLimiter throttles handshake starts when set.
	SignInLimiter *SignInLimiter
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving sign-in and profile routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Consumer == nil {
		return nil, errMissingConsumer
	}
	if deps.Assertions == nil {
		return nil, errMissingAssertions
	}
	if deps.People == nil {
		return nil, errMissingPeople
	}
	publicURL := strings.TrimRight(strings.TrimSpace(deps.PublicURL), "/")
	parsedPublicURL, err := url.Parse(publicURL)
	if err != nil || parsedPublicURL.Host == "" || (parsedPublicURL.Scheme != "http" && parsedPublicURL.Scheme != "https") {
		return nil, errInvalidPublicURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	if len(deps.CORSOrigins) > 0 {
		router.Use(corsMiddleware(deps.CORSOrigins))
	}

	handler := &httpHandler{
		sessions:   deps.Sessions,
		resolver:   deps.Resolver,
		consumer:   deps.Consumer,
		assertions: deps.Assertions,
		people:     deps.People,
		publicURL:  publicURL,
		logger:     logger,
	}
	guards := auth.NewGuards(auth.Redirects{Home: homePath, SignIn: signInPath})

	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	site := router.Group("/")
	site.Use(handler.loadViewer)
	site.GET(homePath, handler.handleHome)
	site.GET("/people/:slug", handler.handleProfile)

	anonymous := site.Group("/")
	anonymous.Use(guards.RequireAnonymous())
	anonymous.GET(signInPath, handler.handleSignIn)
	anonymous.GET(completeOpenIDPath, handler.handleCompleteOpenID)
	if deps.SignInLimiter != nil {
		anonymous.POST(startOpenIDPath, deps.SignInLimiter.Middleware(), handler.handleStartOpenID)
	} else {
		anonymous.POST(startOpenIDPath, handler.handleStartOpenID)
	}

	authenticated := site.Group("/")
	authenticated.Use(guards.RequireAuthenticated())
	authenticated.POST(signOutPath, handler.handleSignOut)

	privileged := site.Group("/admin")
	privileged.Use(guards.RequirePrivileged())
	privileged.GET("/people", handler.handleAdminPeople)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   *session.Manager
	resolver   ViewerResolver
	consumer   HandshakeConsumer
	assertions AssertionApplier
	people     PeopleDirectory
	publicURL  string
	logger     *zap.Logger
}

// loadViewer attaches the session and the resolved viewer to the request.
func (h *httpHandler) loadViewer(c *gin.Context) {
	s := h.sessions.Load(c.Request)
	c.Set(sessionContextKey, s)
	viewer, err := h.resolver.Resolve(c.Request.Context(), s)
	if err != nil {
		h.logger.Error("viewer resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_lookup_failed"})
		return
	}
	auth.SetViewer(c, viewer)
	c.Next()
}

func sessionFrom(c *gin.Context) *session.Session {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return session.New()
	}
	s, ok := value.(*session.Session)
	if !ok || s == nil {
		return session.New()
	}
	return s
}

// persist writes the session cookie; it must run before the response body.
func (h *httpHandler) persist(c *gin.Context) bool {
	if err := h.sessions.Save(c.Writer, sessionFrom(c)); err != nil {
		h.logger.Error("session save failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_save_failed"})
		return false
	}
	return true
}

func (h *httpHandler) redirect(c *gin.Context, target string) {
	if !h.persist(c) {
		return
	}
	c.Redirect(http.StatusFound, target)
}

func (h *httpHandler) respondJSON(c *gin.Context, status int, body interface{}) {
	if !h.persist(c) {
		return
	}
	c.JSON(status, body)
}

type viewerPayload struct {
	Anonymous   bool   `json:"anonymous"`
	UserID      string `json:"user_id,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	Email       string `json:"email,omitempty"`
	IdentityURL string `json:"identity_url,omitempty"`
	Slug        string `json:"slug,omitempty"`
	IsAdmin     bool   `json:"is_admin"`
}

func newViewerPayload(viewer auth.Viewer) viewerPayload {
	identity, err := auth.IdentityOf(viewer)
	if err != nil {
		return viewerPayload{Anonymous: true}
	}
	return viewerPayload{
		UserID:      identity.UserID,
		Nickname:    identity.Name,
		Email:       identity.Email,
		IdentityURL: identity.IdentityURL,
		Slug:        identity.Slug,
		IsAdmin:     identity.IsAdmin,
	}
}

func (h *httpHandler) handleHome(c *gin.Context) {
	h.respondJSON(c, http.StatusOK, gin.H{"viewer": newViewerPayload(auth.ViewerFromContext(c))})
}

type signInPayload struct {
	Action     string `json:"action"`
	LoginError string `json:"login_error,omitempty"`
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	message, _ := sessionFrom(c).PopFlash(openid.LoginErrorFlash)
	h.respondJSON(c, http.StatusOK, signInPayload{Action: startOpenIDPath, LoginError: message})
}

// signInIdentifier reads openid_url, or substitutes openid_username into the
// {name} placeholder of openid_pattern.
func signInIdentifier(c *gin.Context) string {
	identifier := strings.TrimSpace(c.PostForm("openid_url"))
	if identifier != "" {
		return identifier
	}
	username := strings.TrimSpace(c.PostForm("openid_username"))
	pattern := strings.TrimSpace(c.PostForm("openid_pattern"))
	if username == "" || pattern == "" {
		return ""
	}
	return strings.ReplaceAll(pattern, "{name}", username)
}

func (h *httpHandler) handleStartOpenID(c *gin.Context) {
	s := sessionFrom(c)
	identifier := signInIdentifier(c)
	if identifier == "" {
		s.AddFlash(openid.LoginErrorFlash, missingIdentifierMessage)
		h.redirect(c, signInPath)
		return
	}
	h.logger.Debug("starting openid sign-in", zap.String("identifier", identifier))

	target, err := h.consumer.Begin(c.Request.Context(), identifier, h.publicURL+homePath, h.publicURL+completeOpenIDPath, s)
	if errors.Is(err, openid.ErrDiscoveryFailed) {
		s.AddFlash(openid.LoginErrorFlash, err.Error())
		h.redirect(c, signInPath)
		return
	}
	if err != nil {
		h.logger.Error("openid sign-in start failed", zap.String("identifier", identifier), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signin_start_failed"})
		return
	}
	h.redirect(c, target)
}

func (h *httpHandler) handleCompleteOpenID(c *gin.Context) {
	s := sessionFrom(c)
	currentURL := h.publicURL + c.Request.URL.RequestURI()

	response, err := h.consumer.Complete(c.Request.Context(), c.Request.URL.Query(), currentURL, s)
	if err == nil {
		var outcome openid.Outcome
		outcome, err = h.assertions.Handle(c.Request.Context(), response, s)
		if err == nil {
			h.redirect(c, outcome.Redirect)
			return
		}
	}
	if errors.Is(err, openid.ErrMalformedAssertion) {
		h.logger.Warn("malformed openid assertion", zap.Error(err))
		h.respondJSON(c, http.StatusBadRequest, gin.H{"error": "malformed_assertion"})
		return
	}
	h.logger.Error("openid sign-in completion failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "signin_complete_failed"})
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	sessionFrom(c).Delete(session.IdentityURLKey)
	h.redirect(c, homePath)
}

type profilePayload struct {
	Slug     string `json:"slug"`
	Nickname string `json:"nickname"`
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	identity, found, err := h.people.FindBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.logger.Error("profile lookup failed", zap.String("slug", c.Param("slug")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, profilePayload{Slug: identity.Slug, Nickname: identity.Name})
}

type adminPersonPayload struct {
	IdentityURL       string `json:"identity_url"`
	UserID            string `json:"user_id"`
	Nickname          string `json:"nickname"`
	Email             string `json:"email,omitempty"`
	Slug              string `json:"slug"`
	IsAdmin           bool   `json:"is_admin"`
	LastSeenAtSeconds int64  `json:"last_seen_at_s"`
}

func (h *httpHandler) handleAdminPeople(c *gin.Context) {
	identities, err := h.people.List(c.Request.Context())
	if err != nil {
		h.logger.Error("people listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "people_listing_failed"})
		return
	}
	people := make([]adminPersonPayload, 0, len(identities))
	for _, identity := range identities {
		people = append(people, adminPersonPayload{
			IdentityURL:       identity.IdentityURL,
			UserID:            identity.UserID,
			Nickname:          identity.Name,
			Email:             identity.Email,
			Slug:              identity.Slug,
			IsAdmin:           identity.IsAdmin,
			LastSeenAtSeconds: identity.LastSeenAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"people": people})
}
