package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
)

func TestExtractTimestamps(t *testing.T) {
	sub := &stripe.Subscription{
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{CurrentPeriodStart: testPeriodStart, CurrentPeriodEnd: testPeriodEnd},
		}},
		TrialEnd: testPeriodStart,
	}

	ts := ExtractTimestamps(sub, []byte(`{"current_period_start":1,"current_period_end":2}`))
	if ts.CurrentPeriodStart == nil || ts.CurrentPeriodStart.Unix() != testPeriodStart {
		t.Errorf("Expected item period start to win, got %v", ts.CurrentPeriodStart)
	}
	if ts.TrialEnd == nil || ts.TrialEnd.Unix() != testPeriodStart {
		t.Errorf("Expected trial end, got %v", ts.TrialEnd)
	}
	if ts.CanceledAt != nil || ts.EndedAt != nil || ts.TrialStart != nil {
		t.Error("Expected absent timestamps to be nil")
	}
	if ts.CurrentPeriodEnd.Location() != time.UTC {
		t.Error("Expected UTC timestamps")
	}

	empty := ExtractTimestamps(&stripe.Subscription{}, nil)
	if empty.CurrentPeriodStart != nil || empty.CurrentPeriodEnd != nil {
		t.Error("Expected nil period without items or raw fields")
	}

	legacy := ExtractTimestamps(&stripe.Subscription{}, []byte(`{"current_period_start":1735689600,"current_period_end":1738368000}`))
	if legacy.CurrentPeriodEnd == nil || legacy.CurrentPeriodEnd.Unix() != testPeriodEnd {
		t.Errorf("Expected top-level period fallback, got %v", legacy.CurrentPeriodEnd)
	}
}

func TestBillablePriceID(t *testing.T) {
	item := func(price string) *stripe.SubscriptionItem {
		return &stripe.SubscriptionItem{Price: &stripe.Price{ID: price}}
	}

	one := &stripe.Subscription{Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{item("price_A")}}}
	if id, err := BillablePriceID(one); err != nil || id != "price_A" {
		t.Errorf("Expected price_A, got %q (%v)", id, err)
	}

	two := &stripe.Subscription{Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{item("price_A"), item("price_B")}}}
	if _, err := BillablePriceID(two); !errors.Is(err, ErrMultipleBillableItems) {
		t.Errorf("Expected ErrMultipleBillableItems, got %v", err)
	}

	if _, err := BillablePriceID(&stripe.Subscription{}); !errors.Is(err, ErrNoBillableItem) {
		t.Errorf("Expected ErrNoBillableItem, got %v", err)
	}
}

func TestInvoiceSubscriptionID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"top-level id", `{"id":"in_1","subscription":"sub_1"}`, "sub_1"},
		{"top-level object", `{"id":"in_1","subscription":{"id":"sub_2","object":"subscription"}}`, "sub_2"},
		{"parent details", `{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_3"}}}`, "sub_3"},
		{"null subscription", `{"id":"in_1","subscription":null}`, ""},
		{"one-off", `{"id":"in_1"}`, ""},
		{"garbage", `not json`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InvoiceSubscriptionID([]byte(tt.raw)); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := withRetry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}, func() error {
		attempts++
		cancel()
		return RetryableError{Err: errors.New("transient")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestClassifyStripeError(t *testing.T) {
	if !IsRetryable(classifyStripeError(&stripe.Error{HTTPStatusCode: 500})) {
		t.Error("Expected 5xx to be retryable")
	}
	if !IsRetryable(classifyStripeError(errors.New("connection reset"))) {
		t.Error("Expected network errors to be retryable")
	}
	if IsRetryable(classifyStripeError(&stripe.Error{HTTPStatusCode: 404, Code: stripe.ErrorCodeResourceMissing})) {
		t.Error("Expected 404 not to be retryable")
	}
	if IsRetryable(classifyStripeError(context.DeadlineExceeded)) {
		t.Error("Expected deadline exceeded not to be retryable")
	}
	if classifyStripeError(nil) != nil {
		t.Error("Expected nil to stay nil")
	}
}
