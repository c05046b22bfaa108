package rewards

import (
	"errors"
	"math/big"
	"testing"
)

func scaled(num, den int64) *big.Int {
	out := new(big.Int).Mul(Scale, big.NewInt(num))
	return out.Quo(out, big.NewInt(den))
}

func TestFixedFeeBps(t *testing.T) {
	fee, err := NewFixedFeeBps(1_000).FeeFraction()
	if err != nil {
		t.Fatalf("fee fraction: %v", err)
	}
	if fee.Cmp(scaled(1, 10)) != 0 {
		t.Fatalf("expected 0.1 scaled, got %s", fee)
	}
	if _, err := (FixedFee{Fraction: big.NewInt(-1)}).FeeFraction(); !errors.Is(err, errFeeOutOfRange) {
		t.Fatalf("expected errFeeOutOfRange, got %v", err)
	}
	zero, err := FixedFee{}.FeeFraction()
	if err != nil || zero.Sign() != 0 {
		t.Fatalf("expected zero default fee, got %v %v", zero, err)
	}
}

func TestCurveFeeKink(t *testing.T) {
	var used, capacity int64
	source := func() (*big.Int, *big.Int, error) {
		return big.NewInt(used), big.NewInt(capacity), nil
	}
	curve := NewCurveFee(0.0625, 0.5, 2, 0.75, source)

	cases := []struct {
		name     string
		used     int64
		capacity int64
		want     *big.Int
	}{
		{name: "idle", used: 0, capacity: 8, want: scaled(625, 10_000)},
		{name: "below kink", used: 1, capacity: 2, want: scaled(3125, 10_000)},
		{name: "above kink", used: 7, capacity: 8, want: scaled(6875, 10_000)},
		{name: "over capacity", used: 16, capacity: 8, want: scaled(9375, 10_000)},
	}
	for _, tc := range cases {
		used, capacity = tc.used, tc.capacity
		got, err := curve.FeeFraction()
		if err != nil {
			t.Fatalf("%s: fee fraction: %v", tc.name, err)
		}
		if got.Cmp(tc.want) != 0 {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestCurveFeeClampsToScale(t *testing.T) {
	curve := NewCurveFee(0.5, 1, 4, 0.5, func() (*big.Int, *big.Int, error) {
		return big.NewInt(1), big.NewInt(1), nil
	})
	got, err := curve.FeeFraction()
	if err != nil {
		t.Fatalf("fee fraction: %v", err)
	}
	if got.Cmp(Scale) != 0 {
		t.Fatalf("expected clamp to Scale, got %s", got)
	}
}

func TestCurveFeePropagatesSourceError(t *testing.T) {
	boom := errors.New("utilisation unavailable")
	curve := NewCurveFee(0, 0, 0, 0, func() (*big.Int, *big.Int, error) { return nil, nil, boom })
	if _, err := curve.FeeFraction(); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}
