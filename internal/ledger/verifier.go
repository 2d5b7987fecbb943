package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/wagermesh/wagerd/internal/domain"
)

// VerifyCode classifies a verification failure. All codes except
// CodePending are final for a given transaction.
type VerifyCode string

const (
	CodePending       VerifyCode = "PENDING"
	CodeNotFound      VerifyCode = "NOT_FOUND"
	CodeReverted      VerifyCode = "REVERTED"
	CodeWrongContract VerifyCode = "WRONG_CONTRACT"
	CodeDecodeError   VerifyCode = "DECODE_ERROR"
	CodeClaimMismatch VerifyCode = "CLAIM_MISMATCH"
)

// VerifyError is a classified verification failure.
type VerifyError struct {
	Code   VerifyCode
	Detail string
}

func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ledger: verification failed: %s", e.Code)
	}
	return fmt.Sprintf("ledger: verification failed: %s: %s", e.Code, e.Detail)
}

// AsVerifyError extracts a *VerifyError from an error chain.
func AsVerifyError(err error) (*VerifyError, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Claim is what the caller asserts its transaction did.
type Claim struct {
	MarketID string
	Choice   domain.Choice
	Amount   int64 // micro-tokens
}

// Verified is the authenticated result of decoding a bet-placement call.
type Verified struct {
	Choice        domain.Choice
	Amount        int64 // micro-tokens, decoded from the call value
	BlockNumber   uint64
	Confirmations uint64
}

// Call layout of the betting contract: placeBet(bytes32 marketId, uint8
// choice), with the staked amount carried as the call value. Input is the
// 4-byte selector plus two 32-byte ABI words.
const placeBetInputLen = 4 + 32 + 32

var (
	placeBetSelector = crypto.Keccak256([]byte("placeBet(bytes32,uint8)"))[:4]

	placeBetArgs = abi.Arguments{
		{Name: "marketId", Type: mustABIType("bytes32")},
		{Name: "choice", Type: mustABIType("uint8")},
	}
)

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("ledger: abi type " + t + ": " + err.Error())
	}
	return typ
}

// On-chain choice encoding.
const (
	onChainNo  = uint8(0)
	onChainYes = uint8(1)
)

func choiceFromOnChain(v uint8) (domain.Choice, bool) {
	switch v {
	case onChainYes:
		return domain.ChoiceYes, true
	case onChainNo:
		return domain.ChoiceNo, true
	default:
		return "", false
	}
}

// Verifier authenticates a claimed bet-placement transaction against the
// chain. It performs pure reads and decoding; no local state is touched.
type Verifier struct {
	reader   Reader
	contract common.Address
}

// NewVerifier creates a Verifier bound to the known betting contract
// address.
func NewVerifier(reader Reader, contract common.Address) *Verifier {
	return &Verifier{reader: reader, contract: contract}
}

// Verify authenticates txRef against the claim. The returned error, when
// verification fails, unwraps to a *VerifyError carrying the failure code.
func (v *Verifier) Verify(ctx context.Context, txRef string, claim Claim) (Verified, error) {
	rcpt, err := v.reader.Receipt(ctx, txRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return v.classifyMissingReceipt(ctx, txRef)
		}
		return Verified{}, err
	}

	if rcpt.Status == 0 {
		return Verified{}, &VerifyError{Code: CodeReverted}
	}
	if rcpt.To != v.contract {
		return Verified{}, &VerifyError{
			Code:   CodeWrongContract,
			Detail: fmt.Sprintf("destination %s", rcpt.To.Hex()),
		}
	}

	tx, pending, err := v.reader.RawTransaction(ctx, txRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Verified{}, &VerifyError{Code: CodeNotFound}
		}
		return Verified{}, err
	}
	if pending {
		return Verified{}, &VerifyError{Code: CodePending}
	}
	if tx.To == nil || *tx.To != v.contract {
		return Verified{}, &VerifyError{Code: CodeWrongContract}
	}

	decodedMarket, decodedChoice, err := decodePlaceBet(tx.Input)
	if err != nil {
		return Verified{}, err
	}

	decodedAmount := domain.WeiToMicro(tx.Value)
	if err := checkClaim(claim, decodedMarket, decodedChoice, decodedAmount); err != nil {
		return Verified{}, err
	}

	confirmations := uint64(0)
	if head, headErr := v.reader.BlockNumber(ctx); headErr == nil && head >= rcpt.BlockNumber {
		confirmations = head - rcpt.BlockNumber + 1
	}

	return Verified{
		Choice:        decodedChoice,
		Amount:        decodedAmount,
		BlockNumber:   rcpt.BlockNumber,
		Confirmations: confirmations,
	}, nil
}

// classifyMissingReceipt distinguishes a transaction that is in the mempool
// (PENDING, caller may poll) from one the node has never seen (NOT_FOUND).
func (v *Verifier) classifyMissingReceipt(ctx context.Context, txRef string) (Verified, error) {
	_, pending, err := v.reader.RawTransaction(ctx, txRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Verified{}, &VerifyError{Code: CodeNotFound}
		}
		return Verified{}, err
	}
	if pending {
		return Verified{}, &VerifyError{Code: CodePending}
	}
	// Mined but the receipt has not propagated to this node yet.
	return Verified{}, &VerifyError{Code: CodePending, Detail: "receipt not yet available"}
}

// decodePlaceBet decodes a placeBet call payload. Any deviation from the
// fixed-width layout is a DECODE_ERROR.
func decodePlaceBet(input []byte) (common.Hash, domain.Choice, error) {
	if len(input) != placeBetInputLen {
		return common.Hash{}, "", &VerifyError{
			Code:   CodeDecodeError,
			Detail: fmt.Sprintf("input length %d, want %d", len(input), placeBetInputLen),
		}
	}
	if !bytes.Equal(input[:4], placeBetSelector) {
		return common.Hash{}, "", &VerifyError{
			Code:   CodeDecodeError,
			Detail: "unknown method selector",
		}
	}

	vals, err := placeBetArgs.Unpack(input[4:])
	if err != nil {
		return common.Hash{}, "", &VerifyError{Code: CodeDecodeError, Detail: err.Error()}
	}
	rawMarket, ok := vals[0].([32]byte)
	if !ok {
		return common.Hash{}, "", &VerifyError{Code: CodeDecodeError, Detail: "marketId arg type"}
	}
	rawChoice, ok := vals[1].(uint8)
	if !ok {
		return common.Hash{}, "", &VerifyError{Code: CodeDecodeError, Detail: "choice arg type"}
	}
	choice, ok := choiceFromOnChain(rawChoice)
	if !ok {
		return common.Hash{}, "", &VerifyError{
			Code:   CodeDecodeError,
			Detail: fmt.Sprintf("choice value %d", rawChoice),
		}
	}
	return common.Hash(rawMarket), choice, nil
}

// checkClaim compares the decoded call against the caller's claim. The
// amount tolerance is one micro-token, absorbing wei->micro rounding.
func checkClaim(claim Claim, market common.Hash, choice domain.Choice, amount int64) error {
	if market != common.HexToHash(claim.MarketID) {
		return &VerifyError{Code: CodeClaimMismatch, Detail: "market"}
	}
	if choice != claim.Choice {
		return &VerifyError{Code: CodeClaimMismatch, Detail: "choice"}
	}
	diff := amount - claim.Amount
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		return &VerifyError{
			Code:   CodeClaimMismatch,
			Detail: fmt.Sprintf("amount: claimed %d, on-chain %d", claim.Amount, amount),
		}
	}
	return nil
}

// EncodePlaceBet builds a placeBet call payload. It exists for tests and
// tooling that need to synthesize transactions.
func EncodePlaceBet(marketID common.Hash, choice domain.Choice) ([]byte, error) {
	var raw uint8
	switch choice {
	case domain.ChoiceYes:
		raw = onChainYes
	case domain.ChoiceNo:
		raw = onChainNo
	default:
		return nil, fmt.Errorf("ledger: encode: invalid choice %q", choice)
	}
	packed, err := placeBetArgs.Pack([32]byte(marketID), raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode: %w", err)
	}
	return append(append([]byte{}, placeBetSelector...), packed...), nil
}
