package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subgate/pkg/billing"
	"github.com/mihaimyh/subgate/pkg/subgate"
	"github.com/mihaimyh/subgate/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "user_1"
	testCustomerID    = "cus_1"
	testStripePrice   = "price_A"
	testInternalPrice = "price_internal_A"
	testPlanID        = "plan_X"
	testPeriodStart   = int64(1735689600) // 2025-01-01
	testPeriodEnd     = int64(1738368000) // 2025-02-01
)

// mockAPI serves subscriptions from JSON fixtures and records outbound calls.
type mockAPI struct {
	mu            sync.Mutex
	subs          map[string][]byte
	retrieveErrs  []error
	retrieveCalls int
	customers     []*stripe.CustomerCreateParams
	checkouts     []*stripe.CheckoutSessionCreateParams
	portals       []*stripe.BillingPortalSessionCreateParams
}

func newMockAPI() *mockAPI {
	return &mockAPI{subs: make(map[string][]byte)}
}

func (m *mockAPI) put(id string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[id] = raw
}

func (m *mockAPI) failNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrieveErrs = append(m.retrieveErrs, errs...)
}

func (m *mockAPI) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retrieveCalls
}

func (m *mockAPI) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrieveCalls++

	if len(m.retrieveErrs) > 0 {
		err := m.retrieveErrs[0]
		m.retrieveErrs = m.retrieveErrs[1:]
		return nil, err
	}

	raw, ok := m.subs[id]
	if !ok {
		return nil, notFoundError(id)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	sub.LastResponse = &stripe.APIResponse{RawJSON: raw}
	return &sub, nil
}

func (m *mockAPI) CreateCustomer(_ context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers = append(m.customers, params)
	return &stripe.Customer{ID: fmt.Sprintf("cus_new_%d", len(m.customers))}, nil
}

func (m *mockAPI) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkouts = append(m.checkouts, params)
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (m *mockAPI) CreatePortalSession(_ context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portals = append(m.portals, params)
	return &stripe.BillingPortalSession{ID: "bps_test_1", URL: "https://billing.stripe.test/bps_test_1"}, nil
}

func notFoundError(id string) error {
	return &stripe.Error{
		Code:           stripe.ErrorCodeResourceMissing,
		HTTPStatusCode: 404,
		Msg:            fmt.Sprintf("No such subscription: '%s'", id),
	}
}

// recordingInvalidator records the users whose cache was dropped.
type recordingInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingInvalidator) InvalidateUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func (r *recordingInvalidator) invalidated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

type testEnv struct {
	provider    *Provider
	storage     *memory.Storage
	api         *mockAPI
	invalidator *recordingInvalidator
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	storage := memory.New()
	if err := storage.SavePlan(ctx, &subgate.Plan{ID: testPlanID, Name: "Pro", Active: true}); err != nil {
		t.Fatalf("Failed to seed plan: %v", err)
	}
	if err := storage.SavePrice(ctx, &subgate.Price{
		ID:            testInternalPrice,
		PlanID:        testPlanID,
		StripePriceID: testStripePrice,
		Currency:      "usd",
		UnitAmount:    900,
		Interval:      "month",
		IntervalCount: 1,
		Active:        true,
	}); err != nil {
		t.Fatalf("Failed to seed price: %v", err)
	}

	api := newMockAPI()
	invalidator := &recordingInvalidator{}
	config := Config{
		Config: billing.Config{
			Storage:     storage,
			Invalidator: invalidator,
		},
		StripeWebhookSecret: testWebhookSecret,
		CheckoutSuccessURL:  "https://app.test/dashboard/pro",
		CheckoutCancelURL:   "https://app.test/pricing",
		PortalReturnURL:     "https://app.test/account",
		Retry: &RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
		API: api,
	}
	for _, opt := range opts {
		opt(&config)
	}

	provider, err := NewProvider(config)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return &testEnv{provider: provider, storage: storage, api: api, invalidator: invalidator}
}

// subscriptionFixture is a subscription object as Stripe sends it.
type subscriptionFixture struct {
	ID       string
	Status   string
	Customer interface{}
	Metadata map[string]string
	Prices   []string
	// ItemPeriod puts the period bounds on the line items
	ItemPeriod bool
	// TopLevelPeriod puts the period bounds on the subscription itself
	TopLevelPeriod bool
	// OmitPeriodEnd drops current_period_end wherever the bounds are written
	OmitPeriodEnd bool
	CanceledAt     int64
}

func defaultFixture(id, status string) subscriptionFixture {
	return subscriptionFixture{
		ID:         id,
		Status:     status,
		Customer:   testCustomerID,
		Metadata:   map[string]string{"user_id": testUserID},
		Prices:     []string{testStripePrice},
		ItemPeriod: true,
	}
}

func (f subscriptionFixture) object() map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(f.Prices))
	for i, price := range f.Prices {
		item := map[string]interface{}{
			"id":     fmt.Sprintf("si_%d", i),
			"object": "subscription_item",
			"price":  map[string]interface{}{"id": price, "object": "price"},
		}
		if f.ItemPeriod {
			item["current_period_start"] = testPeriodStart
			if !f.OmitPeriodEnd {
				item["current_period_end"] = testPeriodEnd
			}
		}
		items = append(items, item)
	}

	obj := map[string]interface{}{
		"id":                   f.ID,
		"object":               "subscription",
		"status":               f.Status,
		"customer":             f.Customer,
		"metadata":             f.Metadata,
		"cancel_at_period_end": false,
		"items":                map[string]interface{}{"object": "list", "data": items},
	}
	if f.TopLevelPeriod {
		obj["current_period_start"] = testPeriodStart
		if !f.OmitPeriodEnd {
			obj["current_period_end"] = testPeriodEnd
		}
	}
	if f.CanceledAt != 0 {
		obj["canceled_at"] = f.CanceledAt
	}
	return obj
}

func (f subscriptionFixture) json(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(f.object())
	if err != nil {
		t.Fatalf("Failed to marshal fixture: %v", err)
	}
	return raw
}

// eventPayload builds the JSON body of a Stripe event around object.
func eventPayload(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2025-01-27.acacia",
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return raw
}

// sign returns the Stripe-Signature header for payload.
func sign(payload []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

// deliver signs and handles an event, failing the test on verification errors.
func (e *testEnv) deliver(t *testing.T, payload []byte) *billing.Outcome {
	t.Helper()
	outcome, err := e.provider.Handle(context.Background(), payload, sign(payload))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	return outcome
}
