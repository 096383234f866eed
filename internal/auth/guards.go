package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const viewerContextKey = "library_viewer"

// Policy names an access rule applied before a route handler.
type Policy string

const (
	PolicyAuthenticated Policy = "authenticated"
	PolicyAnonymous     Policy = "anonymous"
	PolicyPrivileged    Policy = "privileged"
)

// Redirects names the targets guards send rejected viewers to.
type Redirects struct {
	Home   string
	SignIn string
}

type rule struct {
	allows func(Viewer) bool
	target func(Redirects) string
}

// policies is built once and only read afterwards.
var policies = map[Policy]rule{
	PolicyAuthenticated: {
		allows: func(v Viewer) bool { return !v.IsAnonymous() },
		target: func(r Redirects) string { return r.SignIn },
	},
	PolicyAnonymous: {
		allows: func(v Viewer) bool { return v.IsAnonymous() },
		target: func(r Redirects) string { return r.Home },
	},
	PolicyPrivileged: {
		allows: func(v Viewer) bool { return !v.IsAnonymous() && v.IsPrivileged() },
		target: func(r Redirects) string { return r.Home },
	},
}

// Guards builds gin middleware enforcing access policies.
type Guards struct {
	redirects Redirects
}

// NewGuards constructs guards redirecting to the given targets.
func NewGuards(redirects Redirects) Guards {
	if redirects.Home == "" {
		redirects.Home = "/"
	}
	if redirects.SignIn == "" {
		redirects.SignIn = "/signin"
	}
	return Guards{redirects: redirects}
}

// Require returns middleware that lets the request through when the viewer
// satisfies the policy and redirects otherwise. Unknown policies panic at
// route construction time.
func (g Guards) Require(policy Policy) gin.HandlerFunc {
	rule, ok := policies[policy]
	if !ok {
		panic("auth: unknown policy " + string(policy))
	}
	target := rule.target(g.redirects)
	return func(c *gin.Context) {
		if !rule.allows(ViewerFromContext(c)) {
			c.Redirect(http.StatusFound, target)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAuthenticated sends anonymous viewers to the sign-in page.
func (g Guards) RequireAuthenticated() gin.HandlerFunc {
	return g.Require(PolicyAuthenticated)
}

// RequireAnonymous sends signed-in viewers home.
func (g Guards) RequireAnonymous() gin.HandlerFunc {
	return g.Require(PolicyAnonymous)
}

// RequirePrivileged sends anonymous and unprivileged viewers home.
func (g Guards) RequirePrivileged() gin.HandlerFunc {
	return g.Require(PolicyPrivileged)
}

// SetViewer attaches the resolved viewer to the request context.
func SetViewer(c *gin.Context, viewer Viewer) {
	c.Set(viewerContextKey, viewer)
}

// ViewerFromContext returns the viewer attached by SetViewer, or Anonymous.
func ViewerFromContext(c *gin.Context) Viewer {
	value, ok := c.Get(viewerContextKey)
	if !ok {
		return Anonymous
	}
	viewer, ok := value.(Viewer)
	if !ok || viewer == nil {
		return Anonymous
	}
	return viewer
}
