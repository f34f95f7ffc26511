/**
 * @description
 * This package provides a client for the external payment gateway API. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * gateway's endpoints, handling request body construction, and parsing
 * responses. The gateway is an opaque collaborator: the engine only needs
 * transaction creation and status queries.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new gateway API client with a bounded request timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateTransactionRequest is the payload for a gateway transaction creation.
// Digest binds reference, amount, and currency to the shared signing secret;
// Method carries the payment-method fields opaque to this engine.
type CreateTransactionRequest struct {
	Reference     string                 `json:"reference"`
	AmountInCents int64                  `json:"amount_in_cents"`
	Currency      string                 `json:"currency"`
	Digest        string                 `json:"digest"`
	Method        map[string]interface{} `json:"method,omitempty"`
}

// TransactionResponse is the expected success body from the gateway's
// creation and status-query endpoints.
type TransactionResponse struct {
	Data struct {
		ID            string `json:"id"`
		Reference     string `json:"reference"`
		Status        string `json:"status"`
		AmountInCents int64  `json:"amount_in_cents"`
	} `json:"data"`
}

// APIError represents a structured error body from the gateway API.
type APIError struct {
	StatusCode int `json:"-"`
	Detail     struct {
		Type     string   `json:"type"`
		Messages []string `json:"messages"`
	} `json:"error"`
}

func (e *APIError) Error() string {
	if len(e.Detail.Messages) > 0 {
		return fmt.Sprintf("gateway api error (%d): %s - %s", e.StatusCode, e.Detail.Type, e.Detail.Messages[0])
	}
	return fmt.Sprintf("gateway api error (%d): %s", e.StatusCode, e.Detail.Type)
}

// CreateTransaction submits a new transaction to the gateway.
func (c *Client) CreateTransaction(ctx context.Context, payload CreateTransactionRequest) (*TransactionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal creation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transactions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create creation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	return c.do(req, "create_transaction")
}

// GetTransaction queries the current status of a transaction by its
// gateway-assigned id.
func (c *Client) GetTransaction(ctx context.Context, gatewayID string) (*TransactionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api/v1/transactions/"+gatewayID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	return c.do(req, "get_transaction")
}

func (c *Client) do(req *http.Request, op string) (*TransactionResponse, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Transport-level failure: the outcome of the call is unknown.
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil || apiErr.Detail.Type == "" {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			apiErr.Detail.Type = "unknown"
		} else {
			log.Printf("level=warn component=gateway_client op=%s status=%d type=%q", op, resp.StatusCode, apiErr.Detail.Type)
		}
		return nil, apiErr
	}

	var successResp TransactionResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &successResp, nil
}
