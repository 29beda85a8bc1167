package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402escrow "github.com/hamiha70/x402-escrow-sub002"
	"github.com/hamiha70/x402-escrow-sub002/intent"
)

// DefaultTimeout bounds a remote settlement call. On expiry the outcome
// is unknown on the agent side, so the caller gets an unavailability
// error, not a rejection.
const DefaultTimeout = 30 * time.Second

// settleRequest is the wire form of a forwarded intent.
type settleRequest struct {
	Intent    intent.PaymentIntent `json:"intentStruct"`
	Signature string               `json:"signature"`
}

// Client talks to a remotely operated agent over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ x402escrow.AgentSettler = (*Client)(nil)

// NewClient points at an agent endpoint. A zero timeout uses
// DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Settle posts the intent to the agent and decodes its receipt. Transport
// failures and timeouts surface as agent unavailability; payment
// rejections come back inside the decoded response.
func (c *Client) Settle(ctx context.Context, it intent.PaymentIntent, signature string) (*x402escrow.SettleResponse, error) {
	body, err := json.Marshal(settleRequest{Intent: it, Signature: signature})
	if err != nil {
		return nil, fmt.Errorf("encoding settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402escrow.ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: agent returned %d", x402escrow.ErrAgentUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", x402escrow.ErrAgentUnavailable, err)
	}
	var settle x402escrow.SettleResponse
	if err := json.Unmarshal(raw, &settle); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", x402escrow.ErrAgentUnavailable, err)
	}

	if settle.Status == x402escrow.StatusFailed {
		return nil, x402escrow.ErrorForCode(settle.ErrorCode, settle.ErrorReason)
	}
	return &settle, nil
}
