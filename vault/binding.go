package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hamiha70/x402-escrow-sub002/chainctx"
	"github.com/hamiha70/x402-escrow-sub002/intent"
	"github.com/hamiha70/x402-escrow-sub002/logger"
)

// chainIntent mirrors the ABI tuple for batchWithdraw.
type chainIntent struct {
	Buyer    common.Address
	Seller   common.Address
	Amount   *big.Int
	Token    common.Address
	Nonce    [32]byte
	Expiry   *big.Int
	Resource string
	ChainId  *big.Int
}

// Binding drives a deployed vault contract through a chain context. Calls
// submit from the context's signer; the contract enforces access control,
// so the caller argument is accepted for interface compatibility and
// otherwise ignored.
type Binding struct {
	address string
	chain   *chainctx.Context
	log     logger.Logger
}

var _ Backend = (*Binding)(nil)

// NewBinding wires a vault contract address to a chain context.
func NewBinding(address string, chain *chainctx.Context, log logger.Logger) *Binding {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Binding{address: address, chain: chain, log: log}
}

// submit sends a state-changing call and waits for its receipt.
func (b *Binding) submit(ctx context.Context, fn string, args ...interface{}) (string, error) {
	txHash, err := b.chain.Submit(ctx, b.address, []byte(VaultABI), fn, args...)
	if err != nil {
		return "", fmt.Errorf("vault %s: %w", fn, err)
	}
	receipt, err := b.chain.WaitMined(ctx, txHash)
	if err != nil {
		return "", fmt.Errorf("vault %s: waiting for %s: %w", fn, txHash, err)
	}
	if receipt.Status != chainctx.TxStatusSuccess {
		return "", fmt.Errorf("vault %s: transaction %s reverted", fn, txHash)
	}
	b.log.Debug("vault call mined", map[string]any{
		"function": fn,
		"txHash":   txHash,
		"block":    receipt.BlockNumber,
	})
	return txHash, nil
}

func (b *Binding) Deposit(ctx context.Context, _ string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("vault: deposit amount must be positive, got %s", amount)
	}
	return b.submit(ctx, "deposit", amount)
}

func (b *Binding) WithdrawToSeller(ctx context.Context, _, seller string, amount *big.Int, intentHash string) (string, error) {
	hash, err := bytes32(intentHash)
	if err != nil {
		return "", fmt.Errorf("vault: intent hash: %w", err)
	}
	return b.submit(ctx, "withdrawToSeller", common.HexToAddress(seller), amount, hash)
}

func (b *Binding) BatchWithdraw(ctx context.Context, _ string, items []SignedIntent) (*BatchResult, error) {
	intents := make([]chainIntent, len(items))
	signatures := make([][]byte, len(items))
	total := new(big.Int)
	buyers := make(map[string]struct{}, len(items))

	for i, item := range items {
		ci, err := toChainIntent(item.Intent)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", i, err)
		}
		sig, err := intent.HexToBytes(item.Signature)
		if err != nil {
			return nil, fmt.Errorf("intent %d: signature: %w", i, err)
		}
		intents[i] = ci
		signatures[i] = sig
		total.Add(total, ci.Amount)
		buyers[addr(item.Intent.Buyer)] = struct{}{}
	}

	txHash, err := b.submit(ctx, "batchWithdraw", intents, signatures)
	if err != nil {
		return nil, err
	}
	return &BatchResult{Count: len(items), Total: total, Buyers: len(buyers), TxHash: txHash}, nil
}

func (b *Binding) AuthorizeSeller(ctx context.Context, _, seller string, allowed bool) error {
	_, err := b.submit(ctx, "authorizeSeller", common.HexToAddress(seller), allowed)
	return err
}

func (b *Binding) PublishLedgerHash(ctx context.Context, _, hash string) error {
	h, err := bytes32(hash)
	if err != nil {
		return fmt.Errorf("vault: ledger hash: %w", err)
	}
	_, err = b.submit(ctx, "publishLedgerHash", h)
	return err
}

func (b *Binding) DepositOf(ctx context.Context, buyer string) (*big.Int, error) {
	out, err := b.chain.Read(ctx, b.address, []byte(VaultABI), "depositsOf", common.HexToAddress(buyer))
	if err != nil {
		return nil, fmt.Errorf("vault depositsOf: %w", err)
	}
	return asBigInt(out)
}

func (b *Binding) IsAuthorizedSeller(ctx context.Context, seller string) (bool, error) {
	out, err := b.chain.Read(ctx, b.address, []byte(VaultABI), "isAuthorizedSeller", common.HexToAddress(seller))
	if err != nil {
		return false, fmt.Errorf("vault isAuthorizedSeller: %w", err)
	}
	return asBool(out)
}

func (b *Binding) NonceUsed(ctx context.Context, nonce string) (bool, error) {
	n, err := bytes32(nonce)
	if err != nil {
		return false, fmt.Errorf("vault: nonce: %w", err)
	}
	out, err := b.chain.Read(ctx, b.address, []byte(VaultABI), "usedNonces", n)
	if err != nil {
		return false, fmt.Errorf("vault usedNonces: %w", err)
	}
	return asBool(out)
}

func (b *Binding) TotalDeposited(ctx context.Context) (*big.Int, error) {
	out, err := b.chain.Read(ctx, b.address, []byte(VaultABI), "totalDeposited")
	if err != nil {
		return nil, fmt.Errorf("vault totalDeposited: %w", err)
	}
	return asBigInt(out)
}

func (b *Binding) TotalWithdrawn(ctx context.Context) (*big.Int, error) {
	out, err := b.chain.Read(ctx, b.address, []byte(VaultABI), "totalWithdrawn")
	if err != nil {
		return nil, fmt.Errorf("vault totalWithdrawn: %w", err)
	}
	return asBigInt(out)
}

func (b *Binding) LedgerHash(ctx context.Context) (string, error) {
	out, err := b.chain.Read(ctx, b.address, []byte(VaultABI), "ledgerHash")
	if err != nil {
		return "", fmt.Errorf("vault ledgerHash: %w", err)
	}
	if h, ok := out.([32]byte); ok {
		return intent.BytesToHex(h[:]), nil
	}
	return "", fmt.Errorf("vault ledgerHash: unexpected result type %T", out)
}

func (b *Binding) Address() string { return b.address }

func toChainIntent(it intent.PaymentIntent) (chainIntent, error) {
	amount, ok := new(big.Int).SetString(it.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return chainIntent{}, fmt.Errorf("invalid amount %q", it.Amount)
	}
	nonce, err := bytes32(it.Nonce)
	if err != nil {
		return chainIntent{}, fmt.Errorf("nonce: %w", err)
	}
	return chainIntent{
		Buyer:    common.HexToAddress(it.Buyer),
		Seller:   common.HexToAddress(it.Seller),
		Amount:   amount,
		Token:    common.HexToAddress(it.Token),
		Nonce:    nonce,
		Expiry:   big.NewInt(it.Expiry),
		Resource: it.Resource,
		ChainId:  big.NewInt(it.ChainID),
	}, nil
}

func bytes32(hexStr string) ([32]byte, error) {
	var out [32]byte
	b, err := intent.HexToBytes(hexStr)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func asBigInt(out interface{}) (*big.Int, error) {
	if v, ok := out.(*big.Int); ok {
		return v, nil
	}
	return nil, fmt.Errorf("unexpected result type %T", out)
}

func asBool(out interface{}) (bool, error) {
	if v, ok := out.(bool); ok {
		return v, nil
	}
	return false, fmt.Errorf("unexpected result type %T", out)
}
