package x402escrow

import (
	"context"
	"time"
)

// SettleContext is passed to settlement hooks.
type SettleContext struct {
	Ctx          context.Context
	Scheme       Scheme
	Payload      PaymentPayload
	Requirements Requirements
	Timestamp    time.Time
}

// SettleResultContext carries a completed settlement and its context.
type SettleResultContext struct {
	SettleContext
	Result   SettleResponse
	Duration time.Duration
}

// SettleFailureContext carries a failed settlement and its context.
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// BeforeHookResult aborts the operation with Reason when Abort is set.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// SettleFailureHookResult substitutes Result for the error when Recovered
// is set.
type SettleFailureHookResult struct {
	Recovered bool
	Result    SettleResponse
}

// BeforeSettleHook runs before settlement. Returning an abort result or an
// error stops the settlement before any state is touched.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after successful settlement. Errors are logged and
// do not affect the result.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook runs when settlement fails. A recovered result is
// returned in place of the error.
type OnSettleFailureHook func(SettleFailureContext) (*SettleFailureHookResult, error)
