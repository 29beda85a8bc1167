// Package evm provides the ECDSA signer implementations used by buyers,
// sellers, and the settlement agent: LocalSigner for EIP-712 typed-data
// signatures from a raw private key, and ChainSigner for contract reads,
// transaction submission, and receipt waiting over an ethclient.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hamiha70/x402-escrow-sub002/chainctx"
	"github.com/hamiha70/x402-escrow-sub002/intent"
)

// receiptPollInterval is the delay between receipt lookups while a
// submitted transaction is pending.
const receiptPollInterval = 2 * time.Second

// LocalSigner signs EIP-712 typed data with an in-memory ECDSA key.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

var _ intent.Signer = (*LocalSigner)(nil)

// NewLocalSigner creates a signer from a hex-encoded private key, with or
// without the 0x prefix.
func NewLocalSigner(privateKeyHex string) (*LocalSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &LocalSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// NewLocalSignerFromKey wraps an already-parsed private key.
func NewLocalSignerFromKey(privateKey *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the signer's Ethereum address.
func (s *LocalSigner) Address() string {
	return s.address.Hex()
}

// SignTypedData produces a 65-byte (r, s, v) signature over the EIP-712
// digest of the given typed data, with v adjusted to 27/28.
func (s *LocalSigner) SignTypedData(
	_ context.Context,
	domain intent.TypedDataDomain,
	dataTypes map[string][]intent.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := intent.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

// ChainSigner submits and reads contract calls through an ethclient,
// signing transactions with a local key.
type ChainSigner struct {
	local   *LocalSigner
	client  *ethclient.Client
	chainID *big.Int
}

var _ chainctx.Signer = (*ChainSigner)(nil)

// NewChainSigner binds a private key to an RPC endpoint. The chain id is
// fetched once at construction.
func NewChainSigner(ctx context.Context, privateKeyHex, rpcURL string) (*ChainSigner, error) {
	local, err := NewLocalSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	return &ChainSigner{local: local, client: client, chainID: chainID}, nil
}

// Address returns the submitting address.
func (s *ChainSigner) Address() string {
	return s.local.Address()
}

// ChainID returns the connected chain's id.
func (s *ChainSigner) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

// ReadContract executes a view call and unpacks its result. A single
// output is returned bare; multiple outputs come back as a slice.
func (s *ChainSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

// WriteContract builds, signs, and broadcasts a state-changing call,
// returning the transaction hash without waiting for inclusion.
func (s *ChainSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	from := s.local.address
	to := common.HexToAddress(contractAddress)

	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("gas estimation failed: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.local.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or the
// context is done.
func (s *ChainSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*chainctx.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &chainctx.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TokenBalance reads an ERC-20 balanceOf for the holder.
func (s *ChainSigner) TokenBalance(ctx context.Context, holder, tokenAddress string) (*big.Int, error) {
	out, err := s.ReadContract(ctx, tokenAddress, chainctx.ERC20BalanceOfABI, "balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, err
	}
	balance, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", out)
	}
	return balance, nil
}

// Close releases the underlying RPC connection.
func (s *ChainSigner) Close() {
	s.client.Close()
}
