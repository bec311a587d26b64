package stripe

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// Timestamps are the time fields of a subscription. A zero or absent epoch
// yields a nil pointer.
type Timestamps struct {
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time
	EndedAt            *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
}

// legacyPeriod holds the top-level period fields older API versions send.
// stripe-go no longer decodes them, so they are read from the raw payload.
type legacyPeriod struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// ExtractTimestamps returns the subscription's timestamps. Period bounds are
// taken from the first line item and fall back to the top-level fields found
// in raw, the JSON the subscription was decoded from (may be nil).
func ExtractTimestamps(sub *stripe.Subscription, raw []byte) Timestamps {
	var start, end int64
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		start = sub.Items.Data[0].CurrentPeriodStart
		end = sub.Items.Data[0].CurrentPeriodEnd
	}

	if (start == 0 || end == 0) && len(raw) > 0 {
		var legacy legacyPeriod
		if err := json.Unmarshal(raw, &legacy); err == nil {
			if start == 0 {
				start = legacy.CurrentPeriodStart
			}
			if end == 0 {
				end = legacy.CurrentPeriodEnd
			}
		}
	}

	return Timestamps{
		CurrentPeriodStart: unixTime(start),
		CurrentPeriodEnd:   unixTime(end),
		CanceledAt:         unixTime(sub.CanceledAt),
		EndedAt:            unixTime(sub.EndedAt),
		TrialStart:         unixTime(sub.TrialStart),
		TrialEnd:           unixTime(sub.TrialEnd),
	}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// CustomerID returns the id of the subscription's customer, expanded or not.
func CustomerID(sub *stripe.Subscription) string {
	if sub == nil || sub.Customer == nil {
		return ""
	}
	return sub.Customer.ID
}

// BillablePriceID returns the Stripe price id of the subscription's only line item.
// Subscriptions with no priced item or more than one item are rejected.
func BillablePriceID(sub *stripe.Subscription) (string, error) {
	if sub.Items == nil {
		return "", ErrNoBillableItem
	}

	var priceID string
	count := 0
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil || item.Price.ID == "" {
			continue
		}
		count++
		priceID = item.Price.ID
	}

	switch {
	case count == 0:
		return "", ErrNoBillableItem
	case count > 1:
		return "", ErrMultipleBillableItems
	}
	return priceID, nil
}

// expandableRef decodes a field Stripe sends either as an id string or as an
// expanded object carrying an id.
type expandableRef string

func (r *expandableRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = expandableRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = expandableRef(obj.ID)
	return nil
}

type invoiceRefs struct {
	Subscription *expandableRef `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription *expandableRef `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// InvoiceSubscriptionID returns the subscription an invoice belongs to, or ""
// for one-off invoices. Both the legacy top-level field and the newer
// parent.subscription_details field are understood.
func InvoiceSubscriptionID(raw []byte) string {
	var refs invoiceRefs
	if err := json.Unmarshal(raw, &refs); err != nil {
		return ""
	}
	if refs.Subscription != nil && *refs.Subscription != "" {
		return string(*refs.Subscription)
	}
	if refs.Parent != nil && refs.Parent.SubscriptionDetails != nil && refs.Parent.SubscriptionDetails.Subscription != nil {
		return string(*refs.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}
