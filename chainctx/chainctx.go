// Package chainctx holds the per-chain signing and submission context.
//
// Each chain's RPC endpoint and settlement key form a single logical
// resource: transaction submissions on one chain are serialized through the
// context's mutex, while contexts for different chains are independent.
// Contexts are constructed once at startup and passed by reference into the
// facilitator, vault binding, and settlement agent.
package chainctx

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// TransactionReceipt is the confirmation of a mined transaction.
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

const (
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

// Signer is the narrow chain interface the settlement core depends on:
// read-only calls, transaction submission, and confirmation waiting.
type Signer interface {
	// Address returns the settlement key's address.
	Address() string

	// ReadContract executes a read-only contract call and returns the
	// decoded result (single output) or a []interface{} for multiple.
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract submits a state-changing contract transaction and
	// returns its hash.
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt blocks until the transaction is mined.
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// TokenBalance returns the ERC-20 balance of an address.
	TokenBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// ChainID returns the connected chain's id.
	ChainID(ctx context.Context) (*big.Int, error)
}

// TokenDomain is the EIP-712 domain metadata an asset contract declares.
// The same asset can declare different metadata per deployment, so it is
// queried at runtime rather than assumed.
type TokenDomain struct {
	Name    string
	Version string
}

// Context binds one chain id to one Signer and serializes submissions.
type Context struct {
	chainID int64
	signer  Signer

	submitMu sync.Mutex

	domainMu     sync.Mutex
	tokenDomains map[string]TokenDomain
}

// New constructs a chain context. The chain id is trusted configuration;
// callers that want to cross-check it against the endpoint can compare with
// Signer.ChainID.
func New(chainID int64, signer Signer) *Context {
	return &Context{
		chainID:      chainID,
		signer:       signer,
		tokenDomains: make(map[string]TokenDomain),
	}
}

// ChainID returns the chain this context submits to.
func (c *Context) ChainID() int64 {
	return c.chainID
}

// Signer exposes the underlying signer for read-only use.
func (c *Context) Signer() Signer {
	return c.signer
}

// Read executes a read-only contract call. Reads do not take the
// submission lock.
func (c *Context) Read(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	return c.signer.ReadContract(ctx, address, abi, functionName, args...)
}

// Submit sends a state-changing transaction, holding the per-chain lock
// for the duration of the submission so nonce ordering at the endpoint
// stays consistent. Waiting for the receipt happens outside the lock.
func (c *Context) Submit(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	return c.signer.WriteContract(ctx, address, abi, functionName, args...)
}

// WaitMined blocks until the given transaction is confirmed.
func (c *Context) WaitMined(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	return c.signer.WaitForTransactionReceipt(ctx, txHash)
}

// TokenBalance returns the ERC-20 balance of holder for token.
func (c *Context) TokenBalance(ctx context.Context, holder, token string) (*big.Int, error) {
	return c.signer.TokenBalance(ctx, holder, token)
}

// ResolveTokenDomain queries the asset contract for its declared EIP-712
// name and version. Results are cached per token address for the life of
// the context.
func (c *Context) ResolveTokenDomain(ctx context.Context, token string) (TokenDomain, error) {
	c.domainMu.Lock()
	if d, ok := c.tokenDomains[token]; ok {
		c.domainMu.Unlock()
		return d, nil
	}
	c.domainMu.Unlock()

	nameRes, err := c.signer.ReadContract(ctx, token, ERC20NameABI, "name")
	if err != nil {
		return TokenDomain{}, fmt.Errorf("query token name: %w", err)
	}
	name, ok := nameRes.(string)
	if !ok {
		return TokenDomain{}, fmt.Errorf("unexpected result type from name()")
	}

	versionRes, err := c.signer.ReadContract(ctx, token, ERC20VersionABI, "version")
	if err != nil {
		return TokenDomain{}, fmt.Errorf("query token version: %w", err)
	}
	version, ok := versionRes.(string)
	if !ok {
		return TokenDomain{}, fmt.Errorf("unexpected result type from version()")
	}

	d := TokenDomain{Name: name, Version: version}
	c.domainMu.Lock()
	c.tokenDomains[token] = d
	c.domainMu.Unlock()
	return d, nil
}
