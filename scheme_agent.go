package x402escrow

import (
	"context"
	"encoding/json"
	"fmt"
)

// parseAgentPayload decodes the single-signature payload of the
// custodial-agent scheme.
func (f *Facilitator) parseAgentPayload(payload *PaymentPayload) (*AgentPayload, error) {
	var ap AgentPayload
	if err := json.Unmarshal(payload.Data, &ap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := f.validate.Struct(ap.Intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ap.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedPayload)
	}
	return &ap, nil
}

// verifyAgentPayload does the facilitator-side share of agent validation:
// field equality against the requirements. Signature, expiry, and ledger
// balance are re-verified by the agent itself against the vault domain.
func (f *Facilitator) verifyAgentPayload(payload *PaymentPayload, req *Requirements) (string, error) {
	ap, err := f.parseAgentPayload(payload)
	if err != nil {
		return "", err
	}
	amount, err := req.AmountUnits()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := checkIntentFields(&ap.Intent, req, amount); err != nil {
		return "", err
	}
	return ap.Intent.Buyer, nil
}

// settleAgent forwards a validated intent to the custodial agent and
// relays its receipt. Unreachability is reported as its own condition,
// never as a payment rejection: the agent-side outcome is unknown.
func (f *Facilitator) settleAgent(ctx context.Context, payload *PaymentPayload, req *Requirements) (SettleResponse, error) {
	ap, err := f.parseAgentPayload(payload)
	if err != nil {
		return SettleResponse{}, err
	}
	amount, err := req.AmountUnits()
	if err != nil {
		return SettleResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := checkIntentFields(&ap.Intent, req, amount); err != nil {
		return SettleResponse{}, err
	}

	f.mu.RLock()
	agent := f.agent
	f.mu.RUnlock()
	if agent == nil {
		return SettleResponse{}, fmt.Errorf("%w: no agent configured", ErrAgentUnavailable)
	}

	response, err := agent.Settle(ctx, ap.Intent, ap.Signature)
	if err != nil {
		return SettleResponse{}, err
	}
	return *response, nil
}
