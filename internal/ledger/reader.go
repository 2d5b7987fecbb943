// Package ledger reads and verifies bet-placement transactions on the
// external chain. The chain is consumed as an eventually consistent,
// read-only oracle: a transaction may be known to the node before its
// receipt exists.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/wagermesh/wagerd/internal/domain"
)

// Receipt is the minimal receipt view the verifier needs.
type Receipt struct {
	Status      uint64 // 1 = success, 0 = reverted
	BlockNumber uint64
	To          common.Address
}

// RawTransaction is the minimal transaction view the verifier needs.
type RawTransaction struct {
	To    *common.Address
	Input []byte
	Value *big.Int
}

// Reader queries the chain for transaction state. Implementations return
// domain.ErrNotFound when the reference is unknown to the node.
type Reader interface {
	// Receipt fetches the mined receipt for txRef.
	Receipt(ctx context.Context, txRef string) (Receipt, error)
	// RawTransaction fetches the transaction body; pending reports whether
	// the transaction is known but not yet mined.
	RawTransaction(ctx context.Context, txRef string) (tx RawTransaction, pending bool, err error)
	// BlockNumber returns the node's current head block.
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthReader implements Reader against a JSON-RPC node via go-ethereum's
// ethclient. Every call carries its own timeout, shorter than the overall
// confirmation request deadline, so a slow node degrades to PENDING rather
// than a hung request.
type EthReader struct {
	client      *ethclient.Client
	callTimeout time.Duration
}

// NewEthReader dials the given RPC URL.
func NewEthReader(ctx context.Context, rpcURL string, callTimeout time.Duration) (*EthReader, error) {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", rpcURL, err)
	}
	return &EthReader{client: client, callTimeout: callTimeout}, nil
}

// Close releases the underlying RPC connection.
func (r *EthReader) Close() {
	r.client.Close()
}

func (r *EthReader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.callTimeout)
}

// Receipt fetches the mined receipt for txRef.
func (r *EthReader) Receipt(ctx context.Context, txRef string) (Receipt, error) {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	rcpt, err := r.client.TransactionReceipt(callCtx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{}, domain.ErrNotFound
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Receipt{}, fmt.Errorf("ledger: receipt %s: %w", txRef, domain.ErrLedgerTimeout)
		}
		return Receipt{}, fmt.Errorf("ledger: receipt %s: %w", txRef, err)
	}

	out := Receipt{
		Status:      rcpt.Status,
		BlockNumber: rcpt.BlockNumber.Uint64(),
	}
	// Receipts do not carry the destination; resolve it from the tx body.
	tx, _, txErr := r.RawTransaction(ctx, txRef)
	if txErr == nil && tx.To != nil {
		out.To = *tx.To
	}
	return out, nil
}

// RawTransaction fetches the transaction body for txRef.
func (r *EthReader) RawTransaction(ctx context.Context, txRef string) (RawTransaction, bool, error) {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	tx, pending, err := r.client.TransactionByHash(callCtx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return RawTransaction{}, false, domain.ErrNotFound
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return RawTransaction{}, false, fmt.Errorf("ledger: tx %s: %w", txRef, domain.ErrLedgerTimeout)
		}
		return RawTransaction{}, false, fmt.Errorf("ledger: tx %s: %w", txRef, err)
	}

	return RawTransaction{
		To:    tx.To(),
		Input: tx.Data(),
		Value: tx.Value(),
	}, pending, nil
}

// BlockNumber returns the node's current head block.
func (r *EthReader) BlockNumber(ctx context.Context) (uint64, error) {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.BlockNumber(callCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("ledger: block number: %w", domain.ErrLedgerTimeout)
		}
		return 0, fmt.Errorf("ledger: block number: %w", err)
	}
	return n, nil
}

// Compile-time interface check.
var _ Reader = (*EthReader)(nil)
