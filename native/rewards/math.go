package rewards

import (
	"math/big"
	"strings"
)

// Scale is the fixed-point denominator used for fee fractions and shares.
var Scale = mustBigInt("1000000000000000000") // 1e18

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// mulDivFloor returns floor(a*b/d). A zero or missing denominator yields zero.
func mulDivFloor(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, d)
}

// accrue adds weight*dt to points, returning a fresh value.
func accrue(points, weight *big.Int, dt uint64) *big.Int {
	out := cloneBig(points)
	if weight == nil || weight.Sign() <= 0 || dt == 0 {
		return out
	}
	delta := new(big.Int).Mul(weight, new(big.Int).SetUint64(dt))
	return out.Add(out, delta)
}

// elapsed returns now-last when now is later, otherwise zero.
func elapsed(now, last uint64) uint64 {
	if now <= last {
		return 0
	}
	return now - last
}

// subFloor returns a-b clamped at zero.
func subFloor(a, b *big.Int) *big.Int {
	out := cloneBig(a)
	if b == nil {
		return out
	}
	out.Sub(out, b)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
