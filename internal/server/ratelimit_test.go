package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type countingRateLimitRecorder struct {
	count int
}

func (r *countingRateLimitRecorder) RecordRateLimited() {
	r.count++
}

func TestSignInLimiterRejectsBurstOverflow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := &countingRateLimitRecorder{}
	limiter := NewSignInLimiter(SignInLimiterConfig{RatePerMinute: 1, Burst: 2, Recorder: recorder})
	defer limiter.Stop()

	router := gin.New()
	router.POST(startOpenIDPath, limiter.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodPost, startOpenIDPath, http.NoBody)
		request.RemoteAddr = remoteAddr
		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)
		return response
	}

	for attempt := 0; attempt < 2; attempt++ {
		if response := send("198.51.100.7:1000"); response.Code != http.StatusNoContent {
			t.Fatalf("attempt %d: expected pass-through, got %d", attempt, response.Code)
		}
	}
	response := send("198.51.100.7:1000")
	if response.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", response.Code)
	}
	if response.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After of 60 seconds, got %q", response.Header().Get("Retry-After"))
	}
	if recorder.count != 1 {
		t.Fatalf("expected one recorded rejection, got %d", recorder.count)
	}

	if response := send("203.0.113.9:1000"); response.Code != http.StatusNoContent {
		t.Fatalf("other clients must keep their own budget, got %d", response.Code)
	}
	if limiter.ClientCount() != 2 {
		t.Fatalf("expected two tracked clients, got %d", limiter.ClientCount())
	}
}

func TestSignInLimiterCleanupDropsIdleClients(t *testing.T) {
	limiter := NewSignInLimiter(SignInLimiterConfig{CleanupInterval: time.Minute})
	defer limiter.Stop()

	limiter.allow("198.51.100.7")
	limiter.cleanup(time.Now().Add(time.Minute))
	if limiter.ClientCount() != 1 {
		t.Fatalf("recently seen client must be kept")
	}
	limiter.cleanup(time.Now().Add(3 * time.Minute))
	if limiter.ClientCount() != 0 {
		t.Fatalf("idle client must be dropped, got %d", limiter.ClientCount())
	}
}

func TestSignInLimiterIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	testCases := []struct {
		name           string
		trustedProxies []string
		expectedPassed int
		expectedKeys   int
	}{
		{name: "untrusted peer", expectedPassed: 1, expectedKeys: 1},
		{name: "trusted proxy", trustedProxies: []string{"198.51.100.0/24"}, expectedPassed: 5, expectedKeys: 5},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			limiter := NewSignInLimiter(SignInLimiterConfig{RatePerMinute: 1, Burst: 1})
			defer limiter.Stop()
			fixture := newServerFixtureWith(t, func(deps *Dependencies) {
				deps.SignInLimiter = limiter
				deps.TrustedProxies = testCase.trustedProxies
			})

			passed := 0
			for attempt := 0; attempt < 5; attempt++ {
				request := httptest.NewRequest(http.MethodPost, startOpenIDPath, http.NoBody)
				request.RemoteAddr = "198.51.100.7:1000"
				request.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", attempt+1))
				response := httptest.NewRecorder()
				fixture.handler.ServeHTTP(response, request)
				if response.Code != http.StatusTooManyRequests {
					passed++
				}
			}
			if passed != testCase.expectedPassed {
				t.Fatalf("expected %d requests past the limiter, got %d", testCase.expectedPassed, passed)
			}
			if limiter.ClientCount() != testCase.expectedKeys {
				t.Fatalf("expected %d tracked clients, got %d", testCase.expectedKeys, limiter.ClientCount())
			}
		})
	}
}
