package engagement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/ratelimit"
)

func setupRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "post-1", 48*time.Hour)
	r := gin.New()
	NewHandler(h.tracker).RegisterRoutes(r.Group("/v1"))
	return r, h
}

func post(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

const trackBody = `{
	"contentId": "post-1",
	"userId": "alice",
	"metricType": "shares",
	"delta": 2,
	"verification": {
		"status": "platform_verified",
		"source": "tiktok",
		"metadata": {"platformId": "tiktok", "webhookId": "wh-http-1"}
	}
}`

func TestHandler_TrackAndReplay(t *testing.T) {
	r, _ := setupRouter(t)

	w := post(r, "/v1/engagement", trackBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	w = post(r, "/v1/engagement", trackBody)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	w = get(r, "/v1/content/post-1/verified-metrics")
	require.Equal(t, http.StatusOK, w.Code)
	var metrics struct {
		Totals map[string]int64 `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
	assert.Equal(t, int64(2), metrics.Totals["shares"])

	w = get(r, "/v1/content/post-1/reconcile")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"consistent":true`)
}

func TestHandler_TrackErrors(t *testing.T) {
	r, _ := setupRouter(t)

	assert.Equal(t, http.StatusBadRequest, post(r, "/v1/engagement", `{bad json`).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, "/v1/engagement",
		`{"contentId":"post-1","userId":"a","metricType":"shares","delta":1,"verification":{"status":"platform_verified","metadata":{}}}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, "/v1/engagement",
		`{"contentId":"post-1","userId":"a","metricType":"retweets","delta":1}`).Code)
	assert.Equal(t, http.StatusNotFound, post(r, "/v1/engagement",
		`{"contentId":"ghost","userId":"a","metricType":"views","delta":1}`).Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/v1/content/ghost/reconcile").Code)
}

func TestHandler_FraudBlockedIs403(t *testing.T) {
	r, h := setupRouter(t)
	h.instance(t, "fresh", 10*time.Minute)
	h.history(t, "m", 11)
	_, err := h.store.IncrementVerified(context.Background(), "fresh", audit.MetricViews, audit.StatusPlatformVerified, 10)
	require.NoError(t, err)

	w := post(r, "/v1/engagement", `{"contentId":"fresh","userId":"m","metricType":"shares","delta":500}`)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"fraud_blocked"`)
}

func TestHandler_AuditLogPages(t *testing.T) {
	r, _ := setupRouter(t)

	for i, user := range []string{"u1", "u2", "u3"} {
		body := `{"contentId":"post-1","userId":"` + user + `","metricType":"views","delta":1,` +
			`"verification":{"status":"platform_verified","source":"tiktok",` +
			`"metadata":{"platformId":"tiktok","webhookId":"wh-log-` + string(rune('a'+i)) + `"}}}`
		require.Equal(t, http.StatusOK, post(r, "/v1/engagement", body).Code)
	}

	type page struct {
		Items      []audit.Entry `json:"items"`
		NextCursor string        `json:"nextCursor"`
		HasMore    bool          `json:"hasMore"`
	}

	w := get(r, "/v1/content/post-1/audit-log?limit=2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	w = get(r, "/v1/content/post-1/audit-log?limit=2&cursor="+first.NextCursor)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Items, 1)
	assert.False(t, second.HasMore)

	seen := map[string]bool{}
	for _, e := range append(first.Items, second.Items...) {
		seen[e.UserID] = true
	}
	assert.Len(t, seen, 3)

	assert.Equal(t, http.StatusBadRequest, get(r, "/v1/content/post-1/audit-log?cursor=!!!").Code)

	w = get(r, "/v1/content/nothing-here/audit-log")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"items":[]`)
}
