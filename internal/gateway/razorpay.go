package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseSize = 1 << 20

// RazorpayProvider registers RazorpayX contacts over the REST API.
type RazorpayProvider struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
}

// NewRazorpayProvider creates a provider. baseURL is normally https://api.razorpay.com.
func NewRazorpayProvider(baseURL, keyID, keySecret string) *RazorpayProvider {
	return &RazorpayProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Gateway implements Provider.
func (p *RazorpayProvider) Gateway() Gateway { return Razorpay }

type razorpayContactRequest struct {
	Name        string            `json:"name"`
	Email       string            `json:"email,omitempty"`
	Contact     string            `json:"contact,omitempty"`
	Type        string            `json:"type"`
	ReferenceID string            `json:"reference_id"`
	Notes       map[string]string `json:"notes,omitempty"`
}

type razorpayContactResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

// Register creates a contact identified by email and/or phone.
func (p *RazorpayProvider) Register(ctx context.Context, c Customer) (string, error) {
	if c.Email == "" && c.Phone == "" {
		return "", fmt.Errorf("razorpay: email or phone is required")
	}

	name := c.Email
	if name == "" {
		name = c.Phone
	}
	body, err := json.Marshal(razorpayContactRequest{
		Name:        name,
		Email:       c.Email,
		Contact:     c.Phone,
		Type:        "customer",
		ReferenceID: c.UserID,
		Notes:       map[string]string{"userId": c.UserID},
	})
	if err != nil {
		return "", fmt.Errorf("razorpay: marshal contact: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/contacts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("razorpay: create request: %w", err)
	}
	req.SetBasicAuth(p.keyID, p.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("razorpay: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("razorpay: read response: %w", err)
	}

	var out razorpayContactResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("razorpay: decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		if out.Error != nil {
			return "", fmt.Errorf("razorpay: HTTP %d: %s: %s", resp.StatusCode, out.Error.Code, out.Error.Description)
		}
		return "", fmt.Errorf("razorpay: HTTP %d", resp.StatusCode)
	}
	if out.ID == "" {
		return "", fmt.Errorf("razorpay: response missing contact id")
	}
	return out.ID, nil
}
