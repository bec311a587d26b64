package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a user has no customer in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrAlreadySubscribed is returned when checkout is requested by a user with an active subscription
	ErrAlreadySubscribed = errors.New("user already has an active subscription")

	// ErrInvalidPrice is returned for price ids the provider would reject
	ErrInvalidPrice = errors.New("invalid price id")
)
