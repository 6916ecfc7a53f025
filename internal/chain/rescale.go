package chain

import (
	"fmt"
	"math/big"
)

// Rescale converts a raw token amount at fromDecimals to toDecimals. When the
// conversion loses precision (scaling down past nonzero digits) exact is
// false; such amounts can never match an expected deposit exactly.
func Rescale(raw string, fromDecimals, toDecimals int) (amount int64, exact bool, err error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, false, fmt.Errorf("chain: invalid amount %q", raw)
	}
	if v.Sign() < 0 {
		return 0, false, fmt.Errorf("chain: negative amount %q", raw)
	}

	switch {
	case fromDecimals == toDecimals:
		exact = true
	case fromDecimals < toDecimals:
		pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(toDecimals-fromDecimals)), nil)
		v.Mul(v, pow)
		exact = true
	default:
		pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fromDecimals-toDecimals)), nil)
		rem := new(big.Int)
		v.QuoRem(v, pow, rem)
		exact = rem.Sign() == 0
	}

	if !v.IsInt64() {
		return 0, false, fmt.Errorf("chain: amount %q overflows at %d decimals", raw, toDecimals)
	}
	return v.Int64(), exact, nil
}
