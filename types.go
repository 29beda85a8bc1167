// Package x402escrow is the settlement core of a pay-per-request payment
// protocol. Sellers publish Requirements describing an acceptable payment;
// buyers answer with a signed PaymentPayload; the Facilitator validates the
// payload against the requirements and drives settlement through one of
// three schemes: direct on-chain transfer, pooled escrow with deferred
// batch settlement, or a custodial settlement agent with a private ledger.
package x402escrow

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/hamiha70/x402-escrow-sub002/intent"
)

// Settlement status values carried in SettleResponse.
const (
	StatusSettled = "settled"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Extra keys a seller sets on Requirements so the buyer can sign without
// extra round trips.
const (
	ExtraTokenName    = "name"
	ExtraTokenVersion = "version"
)

// Requirements is the seller's offer, carried in a 402-style response. It
// pins every field the buyer must echo in the signed intent.
type Requirements struct {
	Scheme       string                 `json:"scheme" validate:"required"`
	Token        string                 `json:"token" validate:"required"`
	TokenAddress string                 `json:"tokenAddress" validate:"required"`
	Amount       string                 `json:"amount" validate:"required"` // decimal string, whole-token units
	Decimals     int32                  `json:"decimals" validate:"gte=0,lte=36"`
	Seller       string                 `json:"seller" validate:"required"`
	Resource     string                 `json:"resource" validate:"required"`
	Facilitator  string                 `json:"facilitator,omitempty"`
	ChainID      int64                  `json:"chainId" validate:"required,gt=0"`
	Vault        string                 `json:"vault,omitempty"`
	Attestation  string                 `json:"attestation,omitempty"`
	ExpiresAt    int64                  `json:"expiresAt,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// AmountUnits converts the human-readable decimal amount into the token's
// smallest unit. A fractional remainder below one unit is rejected rather
// than truncated.
func (r *Requirements) AmountUnits() (*big.Int, error) {
	d, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", r.Amount, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", r.Amount)
	}
	units := d.Shift(r.Decimals)
	if !units.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", r.Amount, r.Decimals)
	}
	return units.BigInt(), nil
}

// TokenDomainExtra reads the token's EIP-712 name and version out of Extra.
func (r *Requirements) TokenDomainExtra() (name, version string, err error) {
	name, _ = r.Extra[ExtraTokenName].(string)
	version, _ = r.Extra[ExtraTokenVersion].(string)
	if name == "" || version == "" {
		return "", "", fmt.Errorf("requirements missing token domain name/version in extra")
	}
	return name, version, nil
}

// PaymentRequired is the full 402-style response body a seller returns
// when a request arrives without payment.
type PaymentRequired struct {
	Error   string         `json:"error,omitempty"`
	Accepts []Requirements `json:"accepts"`
}

// PaymentPayload is the scheme-tagged envelope a buyer sends back,
// serialized as JSON in a request header.
type PaymentPayload struct {
	Scheme string          `json:"scheme"`
	Data   json.RawMessage `json:"data"`
}

// ParsePayload decodes the payload envelope from raw header bytes.
func ParsePayload(raw []byte) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Scheme == "" || len(p.Data) == 0 {
		return nil, fmt.Errorf("%w: missing scheme or data", ErrMalformedPayload)
	}
	return &p, nil
}

// ExactPayload is the dual-signature payload for the direct and escrow
// schemes.
type ExactPayload = intent.SignedPayment

// AgentPayload is the single-signature payload for the custodial-agent
// scheme. The signature is the resource-binding signature under the
// vault's domain; the agent executes the withdrawal itself, so no
// separate transfer authorization is needed.
type AgentPayload struct {
	Intent    intent.PaymentIntent `json:"intentStruct"`
	Signature string               `json:"signature"`
}

// VerifyResponse is the result of validation without settlement.
type VerifyResponse struct {
	Valid         bool   `json:"valid"`
	InvalidCode   string `json:"invalidCode,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the structured settlement receipt. Status is
// "settled" for completed transfers, "pending" for queued escrow intents,
// and "failed" with an ErrorCode otherwise.
type SettleResponse struct {
	Status      string `json:"status"`
	TxHash      string `json:"txHash,omitempty"`
	IntentHash  string `json:"intentHash,omitempty"`
	NewBalance  string `json:"newBalance,omitempty"`
	Amount      string `json:"amount"`
	Seller      string `json:"seller"`
	ChainID     int64  `json:"chainId"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}
