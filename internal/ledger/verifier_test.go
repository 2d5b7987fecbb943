package ledger

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagermesh/wagerd/internal/domain"
)

var (
	testContract = common.HexToAddress("0x7a6900000000000000000000000000000000beef")
	otherAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testMarket   = common.HexToHash("0xabc123")
)

// stubReader serves canned chain state keyed by txRef.
type stubReader struct {
	receipts map[string]Receipt
	txs      map[string]RawTransaction
	pending  map[string]bool
	head     uint64
}

func (s *stubReader) Receipt(_ context.Context, txRef string) (Receipt, error) {
	r, ok := s.receipts[txRef]
	if !ok {
		return Receipt{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *stubReader) RawTransaction(_ context.Context, txRef string) (RawTransaction, bool, error) {
	tx, ok := s.txs[txRef]
	if !ok {
		return RawTransaction{}, false, domain.ErrNotFound
	}
	return tx, s.pending[txRef], nil
}

func (s *stubReader) BlockNumber(_ context.Context) (uint64, error) {
	return s.head, nil
}

func minedBet(t *testing.T, choice domain.Choice, amount int64) (*stubReader, string) {
	t.Helper()
	input, err := EncodePlaceBet(testMarket, choice)
	require.NoError(t, err)
	to := testContract
	return &stubReader{
		receipts: map[string]Receipt{
			"0xtx1": {Status: 1, BlockNumber: 100, To: testContract},
		},
		txs: map[string]RawTransaction{
			"0xtx1": {To: &to, Input: input, Value: domain.MicroToWei(amount)},
		},
		pending: map[string]bool{},
		head:    105,
	}, "0xtx1"
}

func claim(choice domain.Choice, amount int64) Claim {
	return Claim{MarketID: testMarket.Hex(), Choice: choice, Amount: amount}
}

func TestVerify_Success(t *testing.T) {
	reader, txRef := minedBet(t, domain.ChoiceYes, 5_000_000)
	v := NewVerifier(reader, testContract)

	out, err := v.Verify(context.Background(), txRef, claim(domain.ChoiceYes, 5_000_000))
	require.NoError(t, err)
	assert.Equal(t, domain.ChoiceYes, out.Choice)
	assert.Equal(t, int64(5_000_000), out.Amount)
	assert.Equal(t, uint64(100), out.BlockNumber)
	assert.Equal(t, uint64(6), out.Confirmations)
}

func TestVerify_AmountWithinTolerance(t *testing.T) {
	reader, txRef := minedBet(t, domain.ChoiceNo, 5_000_001)
	v := NewVerifier(reader, testContract)

	// One micro-token of rounding drift is accepted.
	out, err := v.Verify(context.Background(), txRef, claim(domain.ChoiceNo, 5_000_000))
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_001), out.Amount)
}

func TestVerify_ClaimMismatch(t *testing.T) {
	v := func(t *testing.T) (*Verifier, string) {
		reader, txRef := minedBet(t, domain.ChoiceYes, 5_000_000)
		return NewVerifier(reader, testContract), txRef
	}

	t.Run("amount beyond tolerance", func(t *testing.T) {
		ver, txRef := v(t)
		_, err := ver.Verify(context.Background(), txRef, claim(domain.ChoiceYes, 5_000_002))
		ve, ok := AsVerifyError(err)
		require.True(t, ok)
		assert.Equal(t, CodeClaimMismatch, ve.Code)
	})

	t.Run("wrong choice", func(t *testing.T) {
		ver, txRef := v(t)
		_, err := ver.Verify(context.Background(), txRef, claim(domain.ChoiceNo, 5_000_000))
		ve, ok := AsVerifyError(err)
		require.True(t, ok)
		assert.Equal(t, CodeClaimMismatch, ve.Code)
	})

	t.Run("wrong market", func(t *testing.T) {
		ver, txRef := v(t)
		c := claim(domain.ChoiceYes, 5_000_000)
		c.MarketID = common.HexToHash("0xdead").Hex()
		_, err := ver.Verify(context.Background(), txRef, c)
		ve, ok := AsVerifyError(err)
		require.True(t, ok)
		assert.Equal(t, CodeClaimMismatch, ve.Code)
	})
}

func TestVerify_NotFound(t *testing.T) {
	v := NewVerifier(&stubReader{
		receipts: map[string]Receipt{},
		txs:      map[string]RawTransaction{},
	}, testContract)

	_, err := v.Verify(context.Background(), "0xmissing", claim(domain.ChoiceYes, 5_000_000))
	ve, ok := AsVerifyError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, ve.Code)
}

func TestVerify_Pending(t *testing.T) {
	to := testContract
	input, err := EncodePlaceBet(testMarket, domain.ChoiceYes)
	require.NoError(t, err)

	v := NewVerifier(&stubReader{
		receipts: map[string]Receipt{},
		txs: map[string]RawTransaction{
			"0xtx1": {To: &to, Input: input, Value: domain.MicroToWei(5_000_000)},
		},
		pending: map[string]bool{"0xtx1": true},
	}, testContract)

	_, err = v.Verify(context.Background(), "0xtx1", claim(domain.ChoiceYes, 5_000_000))
	ve, ok := AsVerifyError(err)
	require.True(t, ok)
	assert.Equal(t, CodePending, ve.Code)
}

func TestVerify_Reverted(t *testing.T) {
	reader, txRef := minedBet(t, domain.ChoiceYes, 5_000_000)
	r := reader.receipts[txRef]
	r.Status = 0
	reader.receipts[txRef] = r

	v := NewVerifier(reader, testContract)
	_, err := v.Verify(context.Background(), txRef, claim(domain.ChoiceYes, 5_000_000))
	ve, ok := AsVerifyError(err)
	require.True(t, ok)
	assert.Equal(t, CodeReverted, ve.Code)
}

func TestVerify_WrongContract(t *testing.T) {
	reader, txRef := minedBet(t, domain.ChoiceYes, 5_000_000)
	r := reader.receipts[txRef]
	r.To = otherAddr
	reader.receipts[txRef] = r
	tx := reader.txs[txRef]
	other := otherAddr
	tx.To = &other
	reader.txs[txRef] = tx

	v := NewVerifier(reader, testContract)
	_, err := v.Verify(context.Background(), txRef, claim(domain.ChoiceYes, 5_000_000))
	ve, ok := AsVerifyError(err)
	require.True(t, ok)
	assert.Equal(t, CodeWrongContract, ve.Code)
}

func TestVerify_DecodeError(t *testing.T) {
	reader, txRef := minedBet(t, domain.ChoiceYes, 5_000_000)
	tx := reader.txs[txRef]

	t.Run("truncated input", func(t *testing.T) {
		short := tx
		short.Input = tx.Input[:20]
		reader.txs[txRef] = short
		v := NewVerifier(reader, testContract)
		_, err := v.Verify(context.Background(), txRef, claim(domain.ChoiceYes, 5_000_000))
		ve, ok := AsVerifyError(err)
		require.True(t, ok)
		assert.Equal(t, CodeDecodeError, ve.Code)
	})

	t.Run("unknown selector", func(t *testing.T) {
		bad := tx
		bad.Input = append([]byte{0xde, 0xad, 0xbe, 0xef}, tx.Input[4:]...)
		reader.txs[txRef] = bad
		v := NewVerifier(reader, testContract)
		_, err := v.Verify(context.Background(), txRef, claim(domain.ChoiceYes, 5_000_000))
		ve, ok := AsVerifyError(err)
		require.True(t, ok)
		assert.Equal(t, CodeDecodeError, ve.Code)
	})
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	for _, choice := range []domain.Choice{domain.ChoiceYes, domain.ChoiceNo} {
		input, err := EncodePlaceBet(testMarket, choice)
		require.NoError(t, err)
		market, decoded, err := decodePlaceBet(input)
		require.NoError(t, err)
		assert.Equal(t, testMarket, market)
		assert.Equal(t, choice, decoded)
	}
}
