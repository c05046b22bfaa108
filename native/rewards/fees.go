package rewards

import (
	"errors"
	"math/big"
)

var errFeeOutOfRange = errors.New("rewards engine: fee fraction outside [0, SCALE]")

// FeeSchedule supplies the fraction of each harvest withheld for the protocol,
// scaled by Scale.
type FeeSchedule interface {
	FeeFraction() (*big.Int, error)
}

// FixedFee is a constant fee fraction.
type FixedFee struct {
	Fraction *big.Int
}

// NewFixedFeeBps builds a fixed fee from basis points.
func NewFixedFeeBps(bps uint64) FixedFee {
	fraction := new(big.Int).Mul(new(big.Int).SetUint64(bps), Scale)
	fraction.Quo(fraction, big.NewInt(10_000))
	return FixedFee{Fraction: fraction}
}

// FeeFraction implements FeeSchedule.
func (f FixedFee) FeeFraction() (*big.Int, error) {
	if f.Fraction == nil {
		return big.NewInt(0), nil
	}
	if f.Fraction.Sign() < 0 || f.Fraction.Cmp(Scale) > 0 {
		return nil, errFeeOutOfRange
	}
	return new(big.Int).Set(f.Fraction), nil
}

// UtilisationSource reports the used and available amounts from which the
// curve derives utilisation.
type UtilisationSource func() (used, capacity *big.Int, err error)

// CurveFee encapsulates a kinked fee curve that reacts to pool utilisation.
type CurveFee struct {
	// Base is the fee fraction applied when utilisation is zero.
	Base *big.Rat
	// Slope1 is the fee increase per unit of utilisation up to the kink.
	Slope1 *big.Rat
	// Slope2 governs the additional increase once utilisation exceeds the
	// kink.
	Slope2 *big.Rat
	// Kink is the utilisation ratio where the slope changes.
	Kink *big.Rat

	Utilisation UtilisationSource
}

// NewCurveFee constructs a curve from decimal inputs, e.g. a 5% base fee is
// expressed as 0.05 and an 80% kink utilisation as 0.8.
func NewCurveFee(base, slope1, slope2, kink float64, source UtilisationSource) *CurveFee {
	curve := &CurveFee{
		Base:        new(big.Rat),
		Slope1:      new(big.Rat),
		Slope2:      new(big.Rat),
		Kink:        new(big.Rat),
		Utilisation: source,
	}
	curve.Base.SetFloat64(base)
	curve.Slope1.SetFloat64(slope1)
	curve.Slope2.SetFloat64(slope2)
	curve.Kink.SetFloat64(kink)
	return curve
}

// Ratio computes utilisation = used / capacity, zero when capacity is empty and
// capped at one.
func (c *CurveFee) Ratio(used, capacity *big.Int) *big.Rat {
	if used == nil || used.Sign() <= 0 || capacity == nil || capacity.Sign() <= 0 {
		return new(big.Rat)
	}
	ratio := new(big.Rat).SetFrac(used, capacity)
	if ratio.Cmp(big.NewRat(1, 1)) > 0 {
		return big.NewRat(1, 1)
	}
	return ratio
}

// FractionAt derives the fee fraction for a utilisation ratio.
func (c *CurveFee) FractionAt(utilisation *big.Rat) *big.Rat {
	rate := cloneRat(c.Base)
	if utilisation == nil || utilisation.Sign() == 0 {
		return rate
	}
	kink := cloneRat(c.Kink)
	slope1 := cloneRat(c.Slope1)
	slope2 := cloneRat(c.Slope2)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilisation))
	}

	rate.Add(rate, new(big.Rat).Mul(slope1, kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	if excess.Sign() < 0 {
		excess.SetInt64(0)
	}
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

// FeeFraction implements FeeSchedule. The result is floored to Scale precision
// and clamped to [0, Scale].
func (c *CurveFee) FeeFraction() (*big.Int, error) {
	if c == nil {
		return big.NewInt(0), nil
	}
	utilisation := new(big.Rat)
	if c.Utilisation != nil {
		used, capacity, err := c.Utilisation()
		if err != nil {
			return nil, err
		}
		utilisation = c.Ratio(used, capacity)
	}
	fraction := c.FractionAt(utilisation)
	scaled := new(big.Rat).Mul(fraction, new(big.Rat).SetInt(Scale))
	out := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	if out.Cmp(Scale) > 0 {
		out.Set(Scale)
	}
	return out, nil
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}
