package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"context"

	"golang.org/x/time/rate"
)

// CommerceClient talks to the external commerce platform's admin API. All
// calls share one process-wide token bucket so bulk imports cannot starve
// live traffic or trip the platform's rate limits.
type CommerceClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// NewCommerceClient builds a client with an R req/s, burst B bucket.
func NewCommerceClient(baseURL, token string, reqPerSec float64, burst int) *CommerceClient {
	if reqPerSec <= 0 {
		reqPerSec = 2
	}
	if burst <= 0 {
		burst = 4
	}
	return &CommerceClient{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(reqPerSec), burst),
	}
}

// Configured reports whether import can run at all.
func (c *CommerceClient) Configured() bool {
	return c != nil && c.BaseURL != "" && c.Token != ""
}

// CommerceCustomer is the slice of the platform's customer we consume.
type CommerceCustomer struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommerceLineItem is one order line.
type CommerceLineItem struct {
	LineID    string `json:"line_id"`
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int    `json:"quantity"`
}

// CommerceOrder is one order with its lines.
type CommerceOrder struct {
	OrderNumber       string             `json:"order_number"`
	FulfillmentStatus string             `json:"fulfillment_status"`
	CreatedAt         time.Time          `json:"created_at"`
	LineItems         []CommerceLineItem `json:"line_items"`
}

func (c *CommerceClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if !c.Configured() {
		return Errf(ErrValidation, "commerce API not configured (base URL / token missing)")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return WrapErr(ErrTransient, err, "token bucket wait")
	}

	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return Errf(ErrBug, "invalid commerce base URL %q: %v", c.BaseURL, err)
	}
	endpoint := base.JoinPath(path)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint.String(), nil)
	if err != nil {
		return WrapErr(ErrBug, err, "build commerce request")
	}
	req.Header.Set("X-Commerce-Access-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return WrapErr(ErrTransient, err, "commerce request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 2 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &ServiceError{Kind: ErrRateLimited,
			Msg: fmt.Sprintf("commerce API rate limited, retry after %s", retryAfter)}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Errf(ErrTransient, "commerce API %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Errf(ErrValidation, "commerce API %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return WrapErr(ErrTransient, err, "decode commerce response")
	}
	return nil
}

// FetchCustomersPage returns one page of customers plus the cursor for the
// next page ("" when exhausted).
func (c *CommerceClient) FetchCustomersPage(ctx context.Context, cursor string, limit int) ([]CommerceCustomer, string, error) {
	if limit <= 0 || limit > 250 {
		limit = 250
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("page_info", cursor)
	}
	var resp struct {
		Customers []CommerceCustomer `json:"customers"`
		NextPage  string             `json:"next_page,omitempty"`
	}
	if err := c.get(ctx, "/admin/customers.json", q, &resp); err != nil {
		return nil, "", err
	}
	return resp.Customers, resp.NextPage, nil
}

// FetchOrders returns the full order history for one customer.
func (c *CommerceClient) FetchOrders(ctx context.Context, externalCustomerID string) ([]CommerceOrder, error) {
	q := url.Values{}
	q.Set("customer_id", externalCustomerID)
	q.Set("status", "any")
	var resp struct {
		Orders []CommerceOrder `json:"orders"`
	}
	if err := c.get(ctx, "/admin/orders.json", q, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}
