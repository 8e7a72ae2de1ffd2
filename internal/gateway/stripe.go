package gateway

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider registers Stripe customers.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a provider using the default Stripe backends.
func NewStripeProvider(secretKey string) *StripeProvider {
	return &StripeProvider{api: client.New(secretKey, nil)}
}

// NewStripeProviderWithURL points the provider at a different API base URL
// (stripe-mock or a test server).
func NewStripeProviderWithURL(secretKey, baseURL string) *StripeProvider {
	noRetries := int64(0)
	backends := &stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(baseURL),
			MaxNetworkRetries: &noRetries,
		}),
	}
	return &StripeProvider{api: client.New(secretKey, backends)}
}

// Gateway implements Provider.
func (p *StripeProvider) Gateway() Gateway { return Stripe }

// Register creates a Stripe customer keyed by email.
func (p *StripeProvider) Register(ctx context.Context, c Customer) (string, error) {
	if c.Email == "" {
		return "", fmt.Errorf("stripe: email is required")
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(c.Email),
	}
	if c.Phone != "" {
		params.Phone = stripe.String(c.Phone)
	}
	params.Context = ctx
	params.AddMetadata("userId", c.UserID)

	cust, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	return cust.ID, nil
}
