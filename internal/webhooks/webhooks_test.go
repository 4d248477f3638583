package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/engagement"
	"github.com/mbd888/viralloop/internal/fraud"
	"github.com/mbd888/viralloop/internal/metrics"
	"github.com/mbd888/viralloop/internal/ratelimit"
	"github.com/mbd888/viralloop/internal/referral"
)

const (
	platformSecret = "plat-secret"
	stripeSecret   = "whsec_test"
)

type env struct {
	router    *gin.Engine
	ledger    *audit.MemoryStore
	store     *content.MemoryStore
	referrals *referral.MemoryStore
	service   *referral.Service
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	ledger := audit.NewMemoryStore()
	store := content.NewMemoryStore()
	require.NoError(t, store.CreateVariant(ctx, &content.Variant{ID: "v1", ContentType: "roast"}))
	require.NoError(t, store.CreateInstance(ctx, &content.Instance{ID: "post-1", VariantID: "v1", UserID: "creator", CreatedAt: time.Now().Add(-48 * time.Hour)}))

	tracker := engagement.NewTracker(ledger, engagement.NewMemoryRecorder(ledger, store), store,
		ratelimit.NewWindowLimiter(ledger, ratelimit.DefaultLimits()),
		fraud.NewDetector(ledger, content.FraudLookup{Store: store}, nil),
		nil)

	referrals := referral.NewMemoryStore()
	service := referral.NewService(referrals, referral.NewDetector(referrals), nil)

	r := gin.New()
	NewHandler(cfg, tracker, service, nil).RegisterRoutes(r.Group("/v1"))
	return &env{router: r, ledger: ledger, store: store, referrals: referrals, service: service}
}

func post(r *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func platformBody(webhookID, contentID string) []byte {
	return []byte(fmt.Sprintf(`{"webhookId":%q,"platform":"tiktok","contentId":%q,"userId":"alice","metricType":"shares","delta":1}`, webhookID, contentID))
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := Sign("s", payload)
	assert.Len(t, sig, 64)

	assert.True(t, Verify("s", payload, sig))
	assert.True(t, Verify("s", payload, "sha256="+sig))
	assert.True(t, Verify("s", payload, strings.ToUpper(sig)))
	assert.False(t, Verify("s", []byte(`{"a":2}`), sig))
	assert.False(t, Verify("other", payload, sig))
	assert.False(t, Verify("", payload, Sign("", payload)), "an empty secret never verifies")
	assert.False(t, Verify("s", payload, ""))
}

func TestPlatform_TracksVerifiedEngagementOnce(t *testing.T) {
	e := newEnv(t, Config{PlatformSecret: platformSecret})
	body := platformBody("wh-1", "post-1")
	headers := map[string]string{SignatureHeader: Sign(platformSecret, body)}

	w := post(e.router, "/v1/webhooks/platform", body, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res engagement.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, engagement.OutcomeAccepted, res.Outcome)

	w = post(e.router, "/v1/webhooks/platform", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, engagement.OutcomeDuplicate, res.Outcome)

	entries, err := e.ledger.ListEntries(context.Background(), "post-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StatusPlatformVerified, entries[0].Status)
	assert.Equal(t, "wh-1", entries[0].IdempotencyKey)
	assert.Equal(t, "tiktok", entries[0].Source)

	inst, err := e.store.GetInstance(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inst.Metrics[audit.MetricShares].ByStatus[audit.StatusPlatformVerified])
}

func TestPlatform_Rejections(t *testing.T) {
	e := newEnv(t, Config{PlatformSecret: platformSecret})
	body := platformBody("wh-2", "post-1")

	before := testutil.ToFloat64(metrics.WebhooksReceivedTotal.WithLabelValues("platform", "invalid_signature"))
	w := post(e.router, "/v1/webhooks/platform", body, map[string]string{SignatureHeader: Sign("wrong", body)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.WebhooksReceivedTotal.WithLabelValues("platform", "invalid_signature")))

	w = post(e.router, "/v1/webhooks/platform", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	unknown := platformBody("wh-3", "post-404")
	w = post(e.router, "/v1/webhooks/platform", unknown, map[string]string{SignatureHeader: Sign(platformSecret, unknown)})
	assert.Equal(t, http.StatusNotFound, w.Code)

	garbage := []byte(`not json`)
	w = post(e.router, "/v1/webhooks/platform", garbage, map[string]string{SignatureHeader: Sign(platformSecret, garbage)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	noID := []byte(`{"platform":"tiktok","contentId":"post-1","userId":"alice","metricType":"shares","delta":1}`)
	w = post(e.router, "/v1/webhooks/platform", noID, map[string]string{SignatureHeader: Sign(platformSecret, noID)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	badMetric := []byte(`{"webhookId":"wh-4","platform":"tiktok","contentId":"post-1","userId":"alice","metricType":"hugs","delta":1}`)
	w = post(e.router, "/v1/webhooks/platform", badMetric, map[string]string{SignatureHeader: Sign(platformSecret, badMetric)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	entries, err := e.ledger.ListEntries(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPlatform_Disabled(t *testing.T) {
	e := newEnv(t, Config{})
	body := platformBody("wh-1", "post-1")
	w := post(e.router, "/v1/webhooks/platform", body, map[string]string{SignatureHeader: Sign("", body)})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func stripeEvent(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":"2024-06-20","type":%q,"data":{"object":%s}}`, eventType, object))
}

func signStripe(payload []byte) map[string]string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	})
	return map[string]string{StripeSignatureHeader: signed.Header}
}

// emailVerifiedReferral creates a referral that is ready for payment.
func emailVerifiedReferral(t *testing.T, e *env) *referral.Referral {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.referrals.CreateCode(ctx, &referral.Code{Code: "ALICE1", UserID: "alice", CreatedAt: time.Now().AddDate(-1, 0, 0)}))
	ref, _, err := e.service.CreateReferral(ctx, referral.CreateRequest{Code: "ALICE1", ReferredID: "bob"})
	require.NoError(t, err)
	ref, err = e.service.VerifyEmail(ctx, ref.ID)
	require.NoError(t, err)
	return ref
}

func TestStripe_CheckoutCompletedVerifiesPayment(t *testing.T) {
	e := newEnv(t, Config{StripeSecret: stripeSecret})
	ref := emailVerifiedReferral(t, e)

	payload := stripeEvent("checkout.session.completed",
		fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","payment_intent":"pi_42","metadata":{"referral_id":%q}}`, ref.ID))
	w := post(e.router, "/v1/webhooks/stripe", payload, signStripe(payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := e.referrals.Get(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, referral.StatusPaymentVerified, got.Status)
	assert.Equal(t, "pi_42", got.PaymentID)

	// Redelivery is acknowledged without a second transition.
	w = post(e.router, "/v1/webhooks/stripe", payload, signStripe(payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ignored":true`)
}

func TestStripe_PaymentIntentSucceeded(t *testing.T) {
	e := newEnv(t, Config{StripeSecret: stripeSecret})
	ref := emailVerifiedReferral(t, e)

	payload := stripeEvent("payment_intent.succeeded",
		fmt.Sprintf(`{"id":"pi_7","object":"payment_intent","metadata":{"referral_id":%q}}`, ref.ID))
	w := post(e.router, "/v1/webhooks/stripe", payload, signStripe(payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := e.referrals.Get(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_7", got.PaymentID)
}

func TestStripe_IgnoresUnrelatedEvents(t *testing.T) {
	e := newEnv(t, Config{StripeSecret: stripeSecret})

	payload := stripeEvent("customer.created", `{"id":"cus_1","object":"customer"}`)
	w := post(e.router, "/v1/webhooks/stripe", payload, signStripe(payload))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ignored":true`)

	payload = stripeEvent("checkout.session.completed", `{"id":"cs_2","object":"checkout.session","metadata":{"referral_id":"ref_missing"}}`)
	w = post(e.router, "/v1/webhooks/stripe", payload, signStripe(payload))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ignored":true`)
}

func TestStripe_RejectsBadSignature(t *testing.T) {
	e := newEnv(t, Config{StripeSecret: stripeSecret})
	payload := stripeEvent("customer.created", `{"id":"cus_1","object":"customer"}`)

	w := post(e.router, "/v1/webhooks/stripe", payload, map[string]string{StripeSignatureHeader: "t=1,v1=deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(e.router, "/v1/webhooks/stripe", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	disabled := newEnv(t, Config{})
	w = post(disabled.router, "/v1/webhooks/stripe", payload, signStripe(payload))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
