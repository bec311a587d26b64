package stripe

import (
	"context"
	"net/http"

	"github.com/stripe/stripe-go/v83"
)

// API is the subset of the Stripe API the provider calls. NewProvider builds
// one from the API key; tests substitute their own.
type API interface {
	// RetrieveSubscription returns the subscription with line item prices,
	// products and the customer expanded.
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

type clientAPI struct {
	client *stripe.Client
}

func newClientAPI(apiKey string, httpClient *http.Client) *clientAPI {
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	return &clientAPI{client: stripe.NewClient(apiKey, stripe.WithBackends(backends))}
}

func (c *clientAPI) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("items.data.price.product")
	params.AddExpand("customer")
	return c.client.V1Subscriptions.Retrieve(ctx, id, params)
}

func (c *clientAPI) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return c.client.V1Customers.Create(ctx, params)
}

func (c *clientAPI) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *clientAPI) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
	return c.client.V1BillingPortalSessions.Create(ctx, params)
}
