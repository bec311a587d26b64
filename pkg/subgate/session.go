package subgate

import (
	"context"
	"time"
)

// Session is the request-scoped view of a user's billing state. It is resolved
// once and passed explicitly to the evaluator.
type Session struct {
	UserID string
	// Subscription is nil for users on the free tier.
	Subscription *Subscription
	// PriceID is the Stripe price id of the active subscription, empty for the free tier.
	PriceID    string
	ResolvedAt time.Time
}

// NewSession builds a session from an already resolved subscription.
func NewSession(userID string, sub *Subscription, stripePriceID string) *Session {
	if sub == nil || !sub.Status.IsActive() {
		sub = nil
		stripePriceID = ""
	}
	return &Session{
		UserID:       userID,
		Subscription: sub,
		PriceID:      stripePriceID,
		ResolvedAt:   time.Now(),
	}
}

// IsPro reports whether the user has an active or trialing subscription.
func (s *Session) IsPro() bool {
	return s != nil && s.Subscription != nil && s.Subscription.Status.IsActive()
}

// HasScheduledCancellation reports whether the active subscription ends at period end.
func (s *Session) HasScheduledCancellation() bool {
	return s.IsPro() && s.Subscription.CancelAtPeriodEnd
}

// Status returns the subscription status, empty for the free tier.
func (s *Session) Status() Status {
	if s == nil || s.Subscription == nil {
		return ""
	}
	return s.Subscription.Status
}

type sessionKey struct{}

// WithSession returns a context carrying the session.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext extracts a session stored by WithSession.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
