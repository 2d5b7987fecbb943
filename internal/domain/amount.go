package domain

import (
	"fmt"
	"math/big"
	"strings"
)

// Off-chain amounts are int64 counts of the token's smallest accounting
// unit (micro-token, 6 decimals). The contract itself settles in native
// wei (18 decimals); the verifier converts between the two.
const (
	AmountDecimals = 6
	MicroPerToken  = int64(1_000_000)
)

// weiPerMicro is 10^12: the wei value of one micro-token.
var weiPerMicro = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

// IsWholeTokens reports whether amount is an integral number of display
// tokens.
func IsWholeTokens(amount int64) bool {
	return amount > 0 && amount%MicroPerToken == 0
}

// FormatAmount renders a micro-token amount as a display-unit decimal
// string with no trailing zeros, e.g. 5250000 -> "5.25".
func FormatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	whole := amount / MicroPerToken
	frac := amount % MicroPerToken
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, s)
}

// ParseAmount parses a display-unit decimal string back into micro-tokens.
// It is the exact inverse of FormatAmount: no floats are involved, and
// inputs with more than six fractional digits are rejected rather than
// rounded.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount: empty string")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	wholePart, fracPart, hasFrac := strings.Cut(s, ".")
	if wholePart == "" {
		wholePart = "0"
	}
	var whole int64
	if _, err := fmt.Sscan(wholePart, &whole); err != nil || whole < 0 {
		return 0, fmt.Errorf("amount: invalid whole part %q", wholePart)
	}
	for _, r := range wholePart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("amount: invalid whole part %q", wholePart)
		}
	}
	var frac int64
	if hasFrac {
		if fracPart == "" || len(fracPart) > AmountDecimals {
			return 0, fmt.Errorf("amount: fractional part %q exceeds %d decimals", fracPart, AmountDecimals)
		}
		for _, r := range fracPart {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("amount: invalid fractional part %q", fracPart)
			}
		}
		padded := fracPart + strings.Repeat("0", AmountDecimals-len(fracPart))
		if _, err := fmt.Sscan(padded, &frac); err != nil {
			return 0, fmt.Errorf("amount: invalid fractional part %q", fracPart)
		}
	}
	out := whole*MicroPerToken + frac
	if out/MicroPerToken != whole {
		return 0, fmt.Errorf("amount: overflow")
	}
	if neg {
		out = -out
	}
	return out, nil
}

// WeiToMicro converts a native wei value to micro-tokens, rounding to the
// nearest micro. The verifier compares the result against the caller's
// claimed amount with a one-micro tolerance to absorb this rounding.
func WeiToMicro(wei *big.Int) int64 {
	q, r := new(big.Int).QuoRem(wei, weiPerMicro, new(big.Int))
	half := new(big.Int).Rsh(weiPerMicro, 1)
	if r.CmpAbs(half) >= 0 {
		if wei.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q.Int64()
}

// MicroToWei converts micro-tokens to native wei exactly.
func MicroToWei(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), weiPerMicro)
}
