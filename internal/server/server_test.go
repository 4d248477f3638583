package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/viralloop/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		OperationTimeout:     config.DefaultOperationTimeout,
		SharesPerHour:        config.DefaultSharesPerHour,
		ViewsPerHour:         config.DefaultViewsPerHour,
		SignupsPerDay:        config.DefaultSignupsPerDay,
		UpdatesPerMinute:     config.DefaultUpdatesPerMinute,
		HTTPRateLimitRPM:     config.DefaultHTTPRateLimitRPM,
		HalfLifeDays:         config.DefaultHalfLifeDays,
		MinWeight:            config.DefaultMinWeight,
		BanditWindowDays:     config.DefaultBanditWindowDays,
		BanditStrategy:       config.DefaultBanditStrategy,
		ExplorationRate:      config.DefaultExplorationRate,
		ReferralSecret:       "test-secret",
		ReferralLinkHost:     config.DefaultReferralLinkHost,
		ReferralLinkMaxAge:   config.DefaultLinkMaxAge,
		ReferralRewardMonths: config.DefaultRewardMonths,
		WebhookSecret:        "whsec",
		ReconcileInterval:    time.Minute,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "memory", resp["storage"])
	assert.Equal(t, Version, resp["version"])

	checks, ok := resp["checks"].([]any)
	require.True(t, ok)
	require.Len(t, checks, 1)
	assert.Equal(t, "reconciliation", checks[0].(map[string]any)["name"])
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", nil).Code)
	// Run() has not been called so the server is not ready
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", nil).Code)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))

	generated := do(t, s, http.MethodGet, "/health/live", nil)
	assert.Len(t, generated.Header().Get("X-Request-ID"), 32)
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/engagement",
		"GET:/v1/content/:id/verified-metrics",
		"GET:/v1/content/:id/reconcile",
		"GET:/v1/content/:id/audit-log",
		"POST:/v1/suggestions",
		"GET:/v1/variants",
		"POST:/v1/variants",
		"GET:/v1/variants/:id/stats",
		"POST:/v1/variants/:id/attempts",
		"POST:/v1/variants/:id/instances",
		"POST:/v1/variants/:id/performance",
		"POST:/v1/referral-codes",
		"POST:/v1/referrals",
		"GET:/v1/referrals/:id",
		"POST:/v1/referrals/:id/verify-email",
		"POST:/v1/referrals/:id/verify-payment",
		"POST:/v1/referrals/:id/earn",
		"POST:/v1/referrals/:id/redeem",
		"POST:/v1/referrals/:id/fraudulent",
		"POST:/v1/referral-links",
		"GET:/v1/referral-links/verify",
		"POST:/v1/webhooks/platform",
		"POST:/v1/webhooks/stripe",
		"GET:/v1/reconciliation",
		"POST:/v1/reconciliation/run",
		"GET:/v1/realtime/stats",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/nonexistent", nil).Code)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestEngagementLoop(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/variants", map[string]any{
		"id":          "roast-hot",
		"contentType": "roast",
		"template":    map[string]any{"roastLevel": 7},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/variants/roast-hot/instances", map[string]any{
		"instanceId": "post-1",
		"userId":     "creator-1",
		"context":    map[string]any{"hour": 20, "dayOfWeek": 5, "platform": "tiktok"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/engagement", map[string]any{
		"contentId":  "post-1",
		"userId":     "viewer-1",
		"metricType": "views",
		"delta":      1,
		"verification": map[string]any{
			"status": "platform_verified",
			"source": "tiktok",
			"metadata": map[string]any{
				"platformId": "tt-1",
				"webhookId":  "wh-1",
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "accepted", decode(t, w)["outcome"])

	w = do(t, s, http.MethodGet, "/v1/content/post-1/verified-metrics", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	totals := decode(t, w)["totals"].(map[string]any)
	assert.EqualValues(t, 1, totals["views"])

	w = do(t, s, http.MethodGet, "/v1/reconciliation", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/v1/reconciliation/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode(t, w)
	assert.EqualValues(t, 1, report["checked"])
	assert.Empty(t, report["inconsistent"])

	w = do(t, s, http.MethodGet, "/v1/reconciliation", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/v1/suggestions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["strategy"])
}

func TestReferralSignupRecordsEngagement(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/variants", map[string]any{
		"id": "invite", "contentType": "invite",
	}).Code)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/variants/invite/instances", map[string]any{
		"instanceId": "post-2", "userId": "alice",
	}).Code)

	w := do(t, s, http.MethodPost, "/v1/referral-codes", map[string]any{"userId": "alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	code := decode(t, w)["code"].(string)

	w = do(t, s, http.MethodPost, "/v1/referrals", map[string]any{
		"code":       code,
		"referredId": "bob",
		"contentId":  "post-2",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ref := decode(t, w)["referral"].(map[string]any)
	assert.Equal(t, "pending", ref["status"])
	id := ref["id"].(string)

	w = do(t, s, http.MethodPost, "/v1/referrals/"+id+"/verify-email", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "email_verified", decode(t, w)["status"])

	w = do(t, s, http.MethodGet, "/v1/content/post-2/verified-metrics", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	byStatus := decode(t, w)["byStatus"].(map[string]any)
	signups := byStatus["signups"].(map[string]any)
	assert.EqualValues(t, 1, signups["referral_verified"])
}

func TestShutdownWithoutRun(t *testing.T) {
	s, err := New(testConfig(), WithDrainDelay(0))
	require.NoError(t, err)
	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())
}

func TestNew_SeedsBootstrapVariant(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/suggestions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "bootstrap", decode(t, w)["strategy"])

	w = do(t, s, http.MethodPost, "/v1/variants/profile_mashup/attempts", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
