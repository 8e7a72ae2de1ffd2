// Package gateway selects and talks to the external payment gateways that
// back a wallet. Selection is a pure function of the wallet's country;
// registration with the gateway is best-effort and never blocks wallet creation.
package gateway

import (
	"context"
	"errors"
	"strings"
)

// Errors
var (
	// ErrGatewayInitFailed marks a failed customer registration. Callers log it
	// and carry on; it never aborts a ledger operation.
	ErrGatewayInitFailed = errors.New("gateway: customer registration failed")
	ErrNotConfigured     = errors.New("gateway: provider not configured")
	ErrUnknownGateway    = errors.New("gateway: unknown gateway")
)

// Gateway identifies a payment processor.
type Gateway string

const (
	Stripe   Gateway = "STRIPE"
	Razorpay Gateway = "RAZORPAY"
)

// Valid reports whether g is a known gateway.
func (g Gateway) Valid() bool {
	return g == Stripe || g == Razorpay
}

// Select returns the gateway that serves a country: India routes to
// Razorpay, every other country to Stripe.
func Select(countryCode string) Gateway {
	if strings.EqualFold(strings.TrimSpace(countryCode), "IN") {
		return Razorpay
	}
	return Stripe
}

// DefaultCurrency is used for countries without an explicit mapping.
const DefaultCurrency = "USD"

var countryCurrency = map[string]string{
	"IN": "INR",
	"US": "USD",
	"GB": "GBP",
	"CA": "CAD",
	"AU": "AUD",
	"SG": "SGD",
	"AE": "AED",
	"JP": "JPY",
	"CH": "CHF",
	"DE": "EUR",
	"FR": "EUR",
	"IT": "EUR",
	"ES": "EUR",
	"NL": "EUR",
	"IE": "EUR",
	"BE": "EUR",
	"AT": "EUR",
	"PT": "EUR",
	"FI": "EUR",
	"GR": "EUR",
	"LU": "EUR",
}

// CurrencyFor returns the ISO 4217 wallet currency for a country.
func CurrencyFor(countryCode string) string {
	if c, ok := countryCurrency[strings.ToUpper(strings.TrimSpace(countryCode))]; ok {
		return c
	}
	return DefaultCurrency
}

// currencyHome picks one country per currency for wallets opened implicitly.
var currencyHome = map[string]string{
	"INR": "IN",
	"USD": "US",
	"GBP": "GB",
	"CAD": "CA",
	"AUD": "AU",
	"SGD": "SG",
	"AED": "AE",
	"JPY": "JP",
	"CHF": "CH",
	"EUR": "DE",
}

// CountryFor returns a representative country for a currency.
func CountryFor(currency string) (string, bool) {
	c, ok := currencyHome[strings.ToUpper(strings.TrimSpace(currency))]
	return c, ok
}

// Customer is what a gateway needs to open a customer/contact record.
type Customer struct {
	UserID string
	Email  string
	Phone  string
}

// Provider registers customers with one payment processor.
type Provider interface {
	Gateway() Gateway
	// Register creates the customer (Stripe) or contact (Razorpay) and
	// returns the processor-side id.
	Register(ctx context.Context, c Customer) (string, error)
}
