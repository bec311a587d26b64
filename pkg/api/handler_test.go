package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/subgate/pkg/billing"
	stripebilling "github.com/mihaimyh/subgate/pkg/billing/stripe"
	"github.com/mihaimyh/subgate/pkg/subgate"
	"github.com/mihaimyh/subgate/storage/memory"
)

const (
	testProUser  = "pro-user"
	testFreeUser = "free-user"
	testPrice    = "price_pro"
	testBaseURL  = "https://app.example.com"
)

// fakeBilling records checkout and portal requests
type fakeBilling struct {
	checkoutErr error
	portalErr   error
	checkouts   []stripebilling.CheckoutRequest
	returnURLs  []string
	webhooks    int
}

func (f *fakeBilling) CheckoutURL(_ context.Context, req stripebilling.CheckoutRequest) (*stripebilling.CheckoutSession, error) {
	f.checkouts = append(f.checkouts, req)
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &stripebilling.CheckoutSession{SessionID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil
}

func (f *fakeBilling) PortalURL(_ context.Context, _, returnURL string) (string, error) {
	f.returnURLs = append(f.returnURLs, returnURL)
	if f.portalErr != nil {
		return "", f.portalErr
	}
	return "https://billing.stripe.com/p/session_1", nil
}

func (f *fakeBilling) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.webhooks++
		w.WriteHeader(http.StatusOK)
	})
}

// newTestStorage seeds one pro user, the three feature tables and two projects
func newTestStorage(t *testing.T) *memory.Storage {
	t.Helper()
	ctx := context.Background()
	storage := memory.New()

	if err := storage.SavePrice(ctx, &subgate.Price{ID: "price_internal_pro", PlanID: "plan_pro", StripePriceID: testPrice}); err != nil {
		t.Fatalf("SavePrice failed: %v", err)
	}
	flags := []*subgate.FeatureFlag{
		{Name: subgate.FeatureProjectLimit, Configs: []subgate.PriceConfig{
			{PriceID: nil, Limit: subgate.NumericLimit(1)},
			{PriceID: subgate.PriceRef(testPrice), Limit: subgate.UnlimitedLimit()},
		}},
		{Name: subgate.FeatureEmailCollectionLimit, Configs: []subgate.PriceConfig{
			{PriceID: nil, Limit: subgate.NumericLimit(50)},
			{PriceID: subgate.PriceRef(testPrice), Limit: subgate.UnlimitedLimit()},
		}},
		{Name: subgate.FeatureRemoveBranding, Configs: []subgate.PriceConfig{
			{PriceID: nil, Limit: subgate.BoolLimit(false)},
			{PriceID: subgate.PriceRef(testPrice), Limit: subgate.BoolLimit(true)},
		}},
	}
	for _, flag := range flags {
		if err := storage.SaveFeatureFlag(ctx, flag); err != nil {
			t.Fatalf("SaveFeatureFlag failed: %v", err)
		}
	}

	end := time.Now().Add(30 * 24 * time.Hour)
	err := storage.UpsertSubscription(ctx, &subgate.Subscription{
		UserID:               testProUser,
		PlanID:               "plan_pro",
		PriceID:              "price_internal_pro",
		StripeSubscriptionID: "sub_pro",
		StripeCustomerID:     "cus_pro",
		Status:               subgate.StatusActive,
		CurrentPeriodEnd:     &end,
		CancelAtPeriodEnd:    true,
	})
	if err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	storage.AddProject("proj_pro", testProUser)
	storage.AddProject("proj_free", testFreeUser)
	storage.AddLeads("proj_free", 47)
	return storage
}

func newTestHandler(t *testing.T, fb Billing) *Handler {
	t.Helper()
	evaluator, err := subgate.NewEvaluator(newTestStorage(t), subgate.DefaultConfig())
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	h, err := NewHandler(Config{
		Evaluator: evaluator,
		Billing:   fb,
		GetUserID: FromHeader("X-User-ID"),
		BaseURL:   testBaseURL,
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return h
}

func do(h *Handler, method, target, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestNewHandler_InvalidConfig(t *testing.T) {
	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("Expected error without evaluator")
	}
	evaluator, _ := subgate.NewEvaluator(memory.New(), subgate.DefaultConfig())
	if _, err := NewHandler(Config{Evaluator: evaluator}); err == nil {
		t.Error("Expected error without GetUserID")
	}
}

func TestGetFeatures_ProUser(t *testing.T) {
	h := newTestHandler(t, nil)
	w := do(h, http.MethodGet, "/features", testProUser, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp FeaturesResponse
	decode(t, w, &resp)
	if resp.Status != "active" || !resp.IsPro || resp.PriceID != testPrice || resp.PlanID != "plan_pro" {
		t.Errorf("Unexpected subscription state: %+v", resp)
	}
	if !resp.CancelAtPeriodEnd {
		t.Error("Expected cancel_at_period_end")
	}
	branding := resp.Features[subgate.FeatureRemoveBranding]
	if !branding.Enabled {
		t.Error("Expected branding removal for pro user")
	}
	if got := resp.Features[subgate.FeatureProjectLimit].Limit; got != subgate.UnlimitedLimit() {
		t.Errorf("Expected unlimited projects, got %v", got)
	}
}

func TestGetFeatures_FreeUser(t *testing.T) {
	h := newTestHandler(t, nil)
	w := do(h, http.MethodGet, "/features", testFreeUser, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp FeaturesResponse
	decode(t, w, &resp)
	if resp.Status != statusFree || resp.IsPro || resp.PriceID != "" {
		t.Errorf("Unexpected free state: %+v", resp)
	}
	if resp.Features[subgate.FeatureRemoveBranding].Enabled {
		t.Error("Expected branding removal denied for free user")
	}
	if got := resp.Features[subgate.FeatureProjectLimit].Limit; got != subgate.NumericLimit(1) {
		t.Errorf("Expected 1 project, got %v", got)
	}
}

func TestGetFeatures_Unauthorized(t *testing.T) {
	h := newTestHandler(t, nil)
	if w := do(h, http.MethodGet, "/features", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/features", strings.Repeat("x", 300), ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversized user id, got %d", w.Code)
	}
}

func TestGetProjectBranding(t *testing.T) {
	h := newTestHandler(t, nil)

	tests := []struct {
		project string
		code    int
		allowed bool
		reason  string
	}{
		{"proj_pro", http.StatusOK, true, subgate.BrandingReasonAllowed},
		{"proj_free", http.StatusOK, false, subgate.BrandingReasonNoSubscription},
		{"proj_missing", http.StatusNotFound, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.project, func(t *testing.T) {
			w := do(h, http.MethodGet, "/projects/"+tt.project+"/branding", "", "")
			if w.Code != tt.code {
				t.Fatalf("Expected %d, got %d", tt.code, w.Code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp BrandingResponse
			decode(t, w, &resp)
			if resp.CanRemoveBranding != tt.allowed || resp.Reason != tt.reason {
				t.Errorf("Expected %v/%s, got %+v", tt.allowed, tt.reason, resp)
			}
		})
	}
}

func TestGetLeadLimit(t *testing.T) {
	h := newTestHandler(t, nil)

	w := do(h, http.MethodGet, "/projects/proj_free/leads/limit", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp LimitResponse
	decode(t, w, &resp)
	if !resp.Allowed || resp.Usage != 47 || resp.Remaining != 3 || !resp.NearLimit {
		t.Errorf("Unexpected decision: %+v", resp)
	}
	if resp.UsagePercent != 94 {
		t.Errorf("Expected 94%%, got %v", resp.UsagePercent)
	}

	w = do(h, http.MethodGet, "/projects/proj_pro/leads/limit", "", "")
	decode(t, w, &resp)
	if !resp.Allowed || resp.Remaining != -1 || resp.NearLimit {
		t.Errorf("Expected unlimited decision, got %+v", resp)
	}
}

func TestCreateCheckout(t *testing.T) {
	fb := &fakeBilling{}
	h := newTestHandler(t, fb)

	w := do(h, http.MethodPost, "/checkout", testFreeUser, `{"price_id":"price_pro","email":"a@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["sessionId"] != "cs_test_1" || resp["sessionUrl"] == "" {
		t.Errorf("Unexpected checkout response: %v", resp)
	}
	if len(fb.checkouts) != 1 || fb.checkouts[0].UserID != testFreeUser || fb.checkouts[0].PriceID != testPrice {
		t.Errorf("Unexpected checkout request: %+v", fb.checkouts)
	}
}

func TestCreateCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest},
		{"missing price", `{}`, nil, http.StatusBadRequest},
		{"not a price id", `{"price_id":"prod_123"}`, nil, http.StatusBadRequest},
		{"bad email", `{"price_id":"price_pro","email":"nope"}`, nil, http.StatusBadRequest},
		{"unknown price", `{"price_id":"price_zzz"}`, fmt.Errorf("%w: price_zzz", billing.ErrInvalidPrice), http.StatusBadRequest},
		{"already subscribed", `{"price_id":"price_pro"}`, fmt.Errorf("%w: sub_pro", billing.ErrAlreadySubscribed), http.StatusConflict},
		{"stripe down", `{"price_id":"price_pro"}`, billing.ErrProviderAPIError, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeBilling{checkoutErr: tt.err})
			w := do(h, http.MethodPost, "/checkout", testFreeUser, tt.body)
			if w.Code != tt.code {
				t.Errorf("Expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreatePortal(t *testing.T) {
	fb := &fakeBilling{}
	h := newTestHandler(t, fb)

	w := do(h, http.MethodPost, "/portal?redirect=/settings/billing", testProUser, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp PortalResponse
	decode(t, w, &resp)
	if resp.PortalURL == "" {
		t.Error("Expected portal URL")
	}

	do(h, http.MethodPost, "/portal", testProUser, "")
	want := []string{testBaseURL + "/settings/billing", testBaseURL + defaultPortalTarget}
	if len(fb.returnURLs) != 2 || fb.returnURLs[0] != want[0] || fb.returnURLs[1] != want[1] {
		t.Errorf("Expected return URLs %v, got %v", want, fb.returnURLs)
	}

	for _, redirect := range []string{"https://evil.example.com", "//evil.example.com"} {
		if w := do(h, http.MethodPost, "/portal?redirect="+redirect, testProUser, ""); w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for redirect %q, got %d", redirect, w.Code)
		}
	}
}

func TestCreatePortal_NoCustomer(t *testing.T) {
	h := newTestHandler(t, &fakeBilling{portalErr: fmt.Errorf("%w: free-user", billing.ErrCustomerNotFound)})
	if w := do(h, http.MethodPost, "/portal", testFreeUser, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRoutes_Webhook(t *testing.T) {
	fb := &fakeBilling{}
	h := newTestHandler(t, fb)
	if w := do(h, http.MethodPost, "/webhooks/stripe", "", "{}"); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if fb.webhooks != 1 {
		t.Errorf("Expected webhook handler to be called once, got %d", fb.webhooks)
	}
}

func TestRoutes_WithoutBilling(t *testing.T) {
	h := newTestHandler(t, nil)
	if w := do(h, http.MethodPost, "/checkout", testFreeUser, `{"price_id":"price_pro"}`); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without billing, got %d", w.Code)
	}
}

func TestCustomErrorHandler(t *testing.T) {
	evaluator, _ := subgate.NewEvaluator(newTestStorage(t), subgate.DefaultConfig())
	var got error
	h, err := NewHandler(Config{
		Evaluator: evaluator,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	if w := do(h, http.MethodGet, "/features", "", ""); w.Code != http.StatusTeapot {
		t.Errorf("Expected 418, got %d", w.Code)
	}
	if got == nil {
		t.Error("Expected OnError to receive the error")
	}
}
