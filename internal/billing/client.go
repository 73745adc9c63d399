package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a thin Stripe API client. Requests are form encoded against the
// v1 REST surface; only the endpoints this platform uses are wrapped.
type Client struct {
	secretKey  string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Stripe API client
func NewClient(secretKey string) *Client {
	return &Client{
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://api.stripe.com/v1",
	}
}

// IsConfigured returns true if a secret key is present
func (c *Client) IsConfigured() bool {
	return c.secretKey != ""
}

// CustomerData represents Stripe customer data
type CustomerData struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// CreateCustomer creates a new Stripe customer
func (c *Client) CreateCustomer(ctx context.Context, email, name string) (*CustomerData, error) {
	data := url.Values{}
	data.Set("email", email)
	if name != "" {
		data.Set("name", name)
	}

	resp, err := c.makeRequest(ctx, "POST", "/customers", data)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	var customer CustomerData
	if err := json.Unmarshal(resp, &customer); err != nil {
		return nil, fmt.Errorf("failed to parse customer response: %w", err)
	}
	return &customer, nil
}

// GetCustomer retrieves a customer. Transient failures are retried with
// exponential backoff since the call is read-only. A 4xx from Stripe is not
// transient, so it fails immediately.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*CustomerData, error) {
	var resp []byte
	op := func() error {
		var err error
		resp, err = c.makeRequest(ctx, "GET", "/customers/"+customerID, nil)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}

	var customer CustomerData
	if err := json.Unmarshal(resp, &customer); err != nil {
		return nil, fmt.Errorf("failed to parse customer response: %w", err)
	}
	return &customer, nil
}

// CheckoutParams describes a checkout session to create
type CheckoutParams struct {
	CustomerID        string
	CustomerEmail     string
	ClientReferenceID string // our user id, echoed back on completion
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}

// CreateSubscriptionCheckout creates a Checkout session in subscription mode
func (c *Client) CreateSubscriptionCheckout(ctx context.Context, priceID string, p CheckoutParams) (string, error) {
	data := url.Values{}
	data.Set("mode", "subscription")
	data.Set("line_items[0][price]", priceID)
	data.Set("line_items[0][quantity]", "1")
	c.applyCheckoutParams(data, p)

	return c.createCheckout(ctx, data)
}

// CheckoutLineItem is one ad hoc priced line on a payment checkout
type CheckoutLineItem struct {
	Name      string
	UnitPrice int64 // minor units
	Quantity  int
}

// CreatePaymentCheckout creates a Checkout session in payment mode with
// server-side prices.
func (c *Client) CreatePaymentCheckout(ctx context.Context, currency string, items []CheckoutLineItem, p CheckoutParams) (string, error) {
	data := url.Values{}
	data.Set("mode", "payment")
	for i, item := range items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		data.Set(prefix+"[price_data][currency]", currency)
		data.Set(prefix+"[price_data][product_data][name]", item.Name)
		data.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(item.UnitPrice, 10))
		data.Set(prefix+"[quantity]", strconv.Itoa(item.Quantity))
	}
	c.applyCheckoutParams(data, p)

	return c.createCheckout(ctx, data)
}

func (c *Client) applyCheckoutParams(data url.Values, p CheckoutParams) {
	if p.CustomerID != "" {
		data.Set("customer", p.CustomerID)
	} else if p.CustomerEmail != "" {
		data.Set("customer_email", p.CustomerEmail)
	}
	if p.ClientReferenceID != "" {
		data.Set("client_reference_id", p.ClientReferenceID)
	}
	data.Set("success_url", p.SuccessURL)
	data.Set("cancel_url", p.CancelURL)
	for k, v := range p.Metadata {
		data.Set("metadata["+k+"]", v)
	}
}

func (c *Client) createCheckout(ctx context.Context, data url.Values) (string, error) {
	resp, err := c.makeRequest(ctx, "POST", "/checkout/sessions", data)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	var session struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp, &session); err != nil {
		return "", fmt.Errorf("failed to parse session response: %w", err)
	}
	return session.URL, nil
}

// CreatePortalSession creates a Stripe Customer Portal session
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	data := url.Values{}
	data.Set("customer", customerID)
	data.Set("return_url", returnURL)

	resp, err := c.makeRequest(ctx, "POST", "/billing_portal/sessions", data)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}

	var session struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp, &session); err != nil {
		return "", fmt.Errorf("failed to parse session response: %w", err)
	}
	return session.URL, nil
}

// SubscriptionData represents Stripe subscription data
type SubscriptionData struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// GetSubscription retrieves a subscription by id
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionData, error) {
	resp, err := c.makeRequest(ctx, "GET", "/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub SubscriptionData
	if err := json.Unmarshal(resp, &sub); err != nil {
		return nil, fmt.Errorf("failed to parse subscription response: %w", err)
	}
	return &sub, nil
}

// makeRequest makes an authenticated form-encoded request to the Stripe API
func (c *Client) makeRequest(ctx context.Context, method, path string, data url.Values) ([]byte, error) {
	reqURL := c.baseURL + path

	var req *http.Request
	var err error
	if method == "GET" {
		if len(data) > 0 {
			reqURL += "?" + data.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, reqURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(data.Encode()))
	}
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &apiError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}
	return respBody, nil
}

// apiError is a non-2xx response from the Stripe API. Carrying the status
// code lets callers tell transient failures from client errors.
type apiError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("stripe API error: %s - %s", e.Status, e.Body)
}
