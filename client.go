package x402escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hamiha70/x402-escrow-sub002/intent"
)

// Client builds payment payloads on the buyer side. It owns nothing but a
// signer; everything else comes from the seller's requirements.
type Client struct {
	signer intent.Signer
}

// NewClient wraps a buyer signer.
func NewClient(signer intent.Signer) *Client {
	return &Client{signer: signer}
}

// BuildPayment answers a requirements document with a signed payload for
// its scheme. The verifying contract is scheme-dependent: the token for
// direct settlement, the vault for the escrow and agent paths. A missing
// vault address in requirements that need one is a configuration fault
// surfaced before any signing.
func (c *Client) BuildPayment(ctx context.Context, req *Requirements) (*PaymentPayload, error) {
	scheme, err := ParseScheme(req.Scheme)
	if err != nil {
		return nil, err
	}
	if req.ExpiresAt != 0 && time.Now().Unix() > req.ExpiresAt {
		return nil, fmt.Errorf("requirements expired at %d", req.ExpiresAt)
	}
	amount, err := req.AmountUnits()
	if err != nil {
		return nil, err
	}
	tokenName, tokenVersion, err := req.TokenDomainExtra()
	if err != nil {
		return nil, err
	}

	switch scheme {
	case SchemeImmediate, SchemeEscrow:
		verifyingContract := req.TokenAddress
		if scheme == SchemeEscrow {
			verifyingContract = req.Vault
		}
		sp, err := intent.BuildAndSign(ctx, intent.BuildParams{
			Seller:            req.Seller,
			Token:             req.TokenAddress,
			Amount:            amount,
			Resource:          req.Resource,
			ChainID:           req.ChainID,
			VerifyingContract: verifyingContract,
			TokenName:         tokenName,
			TokenVersion:      tokenVersion,
		}, c.signer)
		if err != nil {
			return nil, err
		}
		return envelope(scheme, sp)

	case SchemeAgent:
		if req.Vault == "" {
			return nil, fmt.Errorf("missing verifying contract for scheme %s: configuration incomplete", scheme)
		}
		it := intent.PaymentIntent{
			Buyer:    c.signer.Address(),
			Seller:   req.Seller,
			Amount:   amount.String(),
			Token:    req.TokenAddress,
			Nonce:    intent.NewNonce(),
			Expiry:   time.Now().Add(intent.ExpiryWindow).Unix(),
			Resource: req.Resource,
			ChainID:  req.ChainID,
		}
		sig, err := intent.SignIntent(ctx, c.signer, it, req.Vault)
		if err != nil {
			return nil, err
		}
		return envelope(scheme, &AgentPayload{Intent: it, Signature: sig})

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, req.Scheme)
	}
}

// EncodePayment serializes a payload for the payment header.
func EncodePayment(p *PaymentPayload) ([]byte, error) {
	return json.Marshal(p)
}

func envelope(scheme Scheme, data interface{}) (*PaymentPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return &PaymentPayload{Scheme: scheme.String(), Data: raw}, nil
}
