// Package intent implements the dual-signature payment intent protocol.
//
// A buyer authorizes a payment with two cryptographically linked EIP-712
// signatures: a resource-binding signature over the full intent under the
// application domain, and an EIP-3009 TransferWithAuthorization signature
// under the settlement asset's own domain. Both structures carry the same
// nonce; that equality is the only binding between the HTTP-layer
// authorization and the settlement-layer transfer authorization.
package intent

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExpiryWindow is the fixed validity window of a freshly built intent.
const ExpiryWindow = 180 * time.Second

// IntentDomainName and IntentDomainVersion identify the application-defined
// typed-data domain the resource-binding signature is made under.
const (
	IntentDomainName    = "x402-escrow"
	IntentDomainVersion = "1"
)

// PaymentIntent is a buyer's signed declaration of an intended payment.
type PaymentIntent struct {
	Buyer    string `json:"buyer" validate:"required"`
	Seller   string `json:"seller" validate:"required"`
	Amount   string `json:"amount" validate:"required"` // smallest unit, decimal string
	Token    string `json:"token" validate:"required"`
	Nonce    string `json:"nonce" validate:"required"` // bytes32 hex
	Expiry   int64  `json:"expiry" validate:"required"`
	Resource string `json:"resource" validate:"required"`
	ChainID  int64  `json:"chainId" validate:"required"`
}

// TransferAuthorization is the EIP-3009 TransferWithAuthorization struct
// derived from an intent. It has no resource field; the shared nonce is
// what ties it back to the intent.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignedPayment is the complete dual-signature payload a buyer produces.
type SignedPayment struct {
	Intent                 PaymentIntent         `json:"intent"`
	IntentSignature        string                `json:"resourceBindingSignature"`
	Authorization          TransferAuthorization `json:"transferAuth"`
	AuthorizationSignature string                `json:"settlementSignature"`
}

// Signer produces EIP-712 signatures for a single address.
type Signer interface {
	Address() string
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// NewNonce returns a fresh bytes32 nonce whose 128 bits of entropy come
// from a random UUID, left-aligned and zero-padded to 32 bytes.
func NewNonce() string {
	u := uuid.New()
	var b [32]byte
	copy(b[:16], u[:])
	return BytesToHex(b[:])
}

// Expired reports whether the intent's validity window has passed at now.
// There is no grace period; an expired intent is permanently unusable.
func Expired(it PaymentIntent, now time.Time) bool {
	return now.Unix() > it.Expiry
}

// IntentDomain is the resource-binding domain for a given chain and
// verifying contract (the escrow vault, or the token itself for the
// direct-settlement path).
func IntentDomain(chainID int64, verifyingContract string) TypedDataDomain {
	return TypedDataDomain{
		Name:              IntentDomainName,
		Version:           IntentDomainVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: verifyingContract,
	}
}

func intentTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"PaymentIntent": {
			{Name: "seller", Type: "address"},
			{Name: "buyer", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "token", Type: "address"},
			{Name: "nonce", Type: "bytes32"},
			{Name: "expiry", Type: "uint256"},
			{Name: "resource", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
	}
}

func intentMessage(it PaymentIntent) (map[string]interface{}, error) {
	amount, ok := new(big.Int).SetString(it.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid intent amount: %s", it.Amount)
	}
	nonceBytes, err := HexToBytes(it.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid intent nonce: %w", err)
	}
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("intent nonce must be 32 bytes, got %d", len(nonceBytes))
	}

	return map[string]interface{}{
		"seller":   it.Seller,
		"buyer":    it.Buyer,
		"amount":   amount,
		"token":    it.Token,
		"nonce":    nonceBytes,
		"expiry":   big.NewInt(it.Expiry),
		"resource": it.Resource,
		"chainId":  big.NewInt(it.ChainID),
	}, nil
}

// HashIntent computes the canonical EIP-712 digest of an intent under the
// resource-binding domain.
func HashIntent(it PaymentIntent, verifyingContract string) ([]byte, error) {
	message, err := intentMessage(it)
	if err != nil {
		return nil, err
	}
	return HashTypedData(IntentDomain(it.ChainID, verifyingContract), intentTypes(), "PaymentIntent", message)
}

// IntentHashHex is HashIntent rendered as a 0x-prefixed hex string.
func IntentHashHex(it PaymentIntent, verifyingContract string) (string, error) {
	digest, err := HashIntent(it, verifyingContract)
	if err != nil {
		return "", err
	}
	return BytesToHex(digest), nil
}

// SignIntent signs the intent under the resource-binding domain.
func SignIntent(ctx context.Context, signer Signer, it PaymentIntent, verifyingContract string) (string, error) {
	message, err := intentMessage(it)
	if err != nil {
		return "", err
	}
	sig, err := signer.SignTypedData(ctx, IntentDomain(it.ChainID, verifyingContract), intentTypes(), "PaymentIntent", message)
	if err != nil {
		return "", fmt.Errorf("failed to sign intent: %w", err)
	}
	return BytesToHex(sig), nil
}

// RecoverIntentSigner recovers the address that produced the
// resource-binding signature.
func RecoverIntentSigner(it PaymentIntent, signatureHex string, verifyingContract string) (string, error) {
	digest, err := HashIntent(it, verifyingContract)
	if err != nil {
		return "", err
	}
	sig, err := HexToBytes(signatureHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	return recoverAddress(digest, sig)
}

// AuthorizationForIntent derives the EIP-3009 transfer authorization from
// an intent, reusing the intent's nonce and amount. ValidBefore mirrors the
// intent expiry so both authorizations lapse together.
func AuthorizationForIntent(it PaymentIntent) TransferAuthorization {
	return TransferAuthorization{
		From:        it.Buyer,
		To:          it.Seller,
		Value:       it.Amount,
		ValidAfter:  "0",
		ValidBefore: big.NewInt(it.Expiry).String(),
		Nonce:       it.Nonce,
	}
}

func authorizationTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}

func authorizationMessage(auth TransferAuthorization) (map[string]interface{}, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization nonce: %w", err)
	}
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("authorization nonce must be 32 bytes, got %d", len(nonceBytes))
	}

	return map[string]interface{}{
		"from":        auth.From,
		"to":          auth.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}, nil
}

// AuthorizationDomain is the settlement asset's own typed-data domain.
// Name and version are resolved at runtime per chain/token; the same asset
// can declare different metadata per deployment.
func AuthorizationDomain(tokenName, tokenVersion string, chainID int64, token string) TypedDataDomain {
	return TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: token,
	}
}

// HashAuthorization computes the EIP-712 digest of a transfer
// authorization under the asset's domain.
func HashAuthorization(auth TransferAuthorization, tokenName, tokenVersion string, chainID int64, token string) ([]byte, error) {
	message, err := authorizationMessage(auth)
	if err != nil {
		return nil, err
	}
	return HashTypedData(AuthorizationDomain(tokenName, tokenVersion, chainID, token), authorizationTypes(), "TransferWithAuthorization", message)
}

// SignAuthorization signs the transfer authorization under the asset's
// domain.
func SignAuthorization(ctx context.Context, signer Signer, auth TransferAuthorization, tokenName, tokenVersion string, chainID int64, token string) (string, error) {
	message, err := authorizationMessage(auth)
	if err != nil {
		return "", err
	}
	sig, err := signer.SignTypedData(ctx, AuthorizationDomain(tokenName, tokenVersion, chainID, token), authorizationTypes(), "TransferWithAuthorization", message)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}
	return BytesToHex(sig), nil
}

// RecoverAuthorizationSigner recovers the address that produced the
// settlement-authorization signature.
func RecoverAuthorizationSigner(auth TransferAuthorization, signatureHex, tokenName, tokenVersion string, chainID int64, token string) (string, error) {
	digest, err := HashAuthorization(auth, tokenName, tokenVersion, chainID, token)
	if err != nil {
		return "", err
	}
	sig, err := HexToBytes(signatureHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	return recoverAddress(digest, sig)
}

// VerifyNonceBinding checks the single cryptographic link between the two
// signed structures: their nonces must match, hex case ignored.
func VerifyNonceBinding(sp SignedPayment) error {
	if !strings.EqualFold(sp.Intent.Nonce, sp.Authorization.Nonce) {
		return fmt.Errorf("intent nonce %s does not match authorization nonce %s", sp.Intent.Nonce, sp.Authorization.Nonce)
	}
	return nil
}

// BuildParams carries everything BuildAndSign needs. VerifyingContract is
// the scheme-specific signing target: the escrow vault for the pooled and
// custodial paths, the token contract for direct settlement. Its absence is
// a configuration fault, not a protocol fault.
type BuildParams struct {
	Seller            string
	Token             string
	Amount            *big.Int
	Resource          string
	ChainID           int64
	VerifyingContract string
	TokenName         string
	TokenVersion      string
	Window            time.Duration // defaults to ExpiryWindow
}

// BuildAndSign constructs a fresh intent and produces both signatures.
func BuildAndSign(ctx context.Context, p BuildParams, signer Signer) (*SignedPayment, error) {
	if p.Seller == "" || p.Token == "" || p.Resource == "" {
		return nil, fmt.Errorf("seller, token, and resource are required")
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if p.ChainID <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if p.VerifyingContract == "" {
		return nil, fmt.Errorf("missing verifying contract for scheme: configuration incomplete")
	}
	if p.TokenName == "" || p.TokenVersion == "" {
		return nil, fmt.Errorf("token domain name and version are required")
	}

	window := p.Window
	if window <= 0 {
		window = ExpiryWindow
	}

	it := PaymentIntent{
		Buyer:    signer.Address(),
		Seller:   p.Seller,
		Amount:   p.Amount.String(),
		Token:    p.Token,
		Nonce:    NewNonce(),
		Expiry:   time.Now().Add(window).Unix(),
		Resource: p.Resource,
		ChainID:  p.ChainID,
	}

	intentSig, err := SignIntent(ctx, signer, it, p.VerifyingContract)
	if err != nil {
		return nil, err
	}

	auth := AuthorizationForIntent(it)
	authSig, err := SignAuthorization(ctx, signer, auth, p.TokenName, p.TokenVersion, p.ChainID, p.Token)
	if err != nil {
		return nil, err
	}

	return &SignedPayment{
		Intent:                 it,
		IntentSignature:        intentSig,
		Authorization:          auth,
		AuthorizationSignature: authSig,
	}, nil
}
