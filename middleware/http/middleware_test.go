package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subgate/pkg/subgate"
	"github.com/mihaimyh/subgate/storage/memory"
)

const testProPrice = "price_pro"

// setupTestEvaluator seeds a pro price, a branding flag and one pro user ("pro-user").
func setupTestEvaluator(t *testing.T) *subgate.Evaluator {
	t.Helper()
	ctx := context.Background()
	storage := memory.New()

	price := &subgate.Price{ID: "price_internal_pro", PlanID: "plan_pro", StripePriceID: testProPrice, Active: true}
	require.NoError(t, storage.SavePrice(ctx, price))
	require.NoError(t, storage.SaveFeatureFlag(ctx, &subgate.FeatureFlag{
		Name: subgate.FeatureRemoveBranding,
		Configs: []subgate.PriceConfig{
			{PriceID: nil, Limit: subgate.BoolLimit(false)},
			{PriceID: subgate.PriceRef(testProPrice), Limit: subgate.BoolLimit(true)},
		},
	}))

	end := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, storage.UpsertSubscription(ctx, &subgate.Subscription{
		UserID:               "pro-user",
		PriceID:              price.ID,
		PlanID:               "plan_pro",
		StripeSubscriptionID: "sub_pro",
		StripeCustomerID:     "cus_pro",
		Status:               subgate.StatusActive,
		CurrentPeriodEnd:     &end,
	}))

	evaluator, err := subgate.NewEvaluator(storage, subgate.DefaultConfig())
	require.NoError(t, err)
	return evaluator
}

func testConfig(t *testing.T) Config {
	return Config{
		Evaluator: setupTestEvaluator(t),
		GetUserID: FromHeader("X-User-ID"),
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireFeature(t *testing.T) {
	config := testConfig(t)
	handler := RequireFeature(config, subgate.FeatureRemoveBranding)(okHandler())

	t.Run("pro user allowed", func(t *testing.T) {
		rec := serve(handler, "pro-user")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("free user denied", func(t *testing.T) {
		rec := serve(handler, "free-user")
		assert.Equal(t, http.StatusForbidden, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "feature_access_denied", body["error"])
		assert.Equal(t, subgate.FeatureRemoveBranding, body["feature"])
	})

	t.Run("unconfigured feature denied", func(t *testing.T) {
		h := RequireFeature(config, "custom_domains")(okHandler())
		rec := serve(h, "pro-user")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("anonymous", func(t *testing.T) {
		rec := serve(handler, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireFeature_CustomDenied(t *testing.T) {
	config := testConfig(t)
	var denied string
	config.OnFeatureDenied = func(w http.ResponseWriter, _ *http.Request, feature string) {
		denied = feature
		w.WriteHeader(http.StatusTeapot)
	}

	rec := serve(RequireFeature(config, subgate.FeatureRemoveBranding)(okHandler()), "free-user")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, subgate.FeatureRemoveBranding, denied)
}

func TestRequireActiveSubscription(t *testing.T) {
	config := testConfig(t)
	handler := RequireActiveSubscription(config)(okHandler())

	assert.Equal(t, http.StatusOK, serve(handler, "pro-user").Code)

	rec := serve(handler, "free-user")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "subscription_required")
}

func TestLoadSession(t *testing.T) {
	config := testConfig(t)

	var got *subgate.Session
	handler := LoadSession(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = subgate.SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(handler, "pro-user")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "pro-user", got.UserID)
	assert.Equal(t, testProPrice, got.PriceID)
	assert.True(t, got.IsPro())

	rec = serve(handler, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoadSession_ReusedByGate(t *testing.T) {
	config := testConfig(t)
	calls := 0
	config.GetUserID = func(r *http.Request) string {
		calls++
		return r.Header.Get("X-User-ID")
	}

	handler := LoadSession(config)(RequireFeature(config, subgate.FeatureRemoveBranding)(okHandler()))
	rec := serve(handler, "pro-user")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, calls)
}

type brokenStorage struct {
	*memory.Storage
}

func (brokenStorage) GetCurrentSubscription(context.Context, string, []subgate.Status) (*subgate.Subscription, error) {
	return nil, errors.New("database unavailable")
}

func TestStorageError(t *testing.T) {
	evaluator, err := subgate.NewEvaluator(brokenStorage{memory.New()}, subgate.DefaultConfig())
	require.NoError(t, err)
	config := Config{Evaluator: evaluator, GetUserID: FromHeader("X-User-ID")}

	rec := serve(RequireFeature(config, subgate.FeatureRemoveBranding)(okHandler()), "user_1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var gotErr error
	config.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
		gotErr = err
		w.WriteHeader(http.StatusBadGateway)
	}
	rec = serve(LoadSession(config)(okHandler()), "user_1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.ErrorContains(t, gotErr, "database unavailable")
}

func TestFromContext(t *testing.T) {
	extract := FromContext(UserIDKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", extract(req))

	req = req.WithContext(WithUserID(req.Context(), "user_1"))
	assert.Equal(t, "user_1", extract(req))
}

func TestConfigValidation(t *testing.T) {
	assert.Panics(t, func() { RequireFeature(Config{}, "x") })
	assert.Panics(t, func() { LoadSession(Config{Evaluator: setupTestEvaluator(t)}) })
	assert.NotPanics(t, func() { RequireActiveSubscription(testConfig(t)) })
}
