package rewards

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime parameters of the rewards ledger.
type Config struct {
	Tokens   []string        `toml:"Tokens"`
	FeeBps   uint64          `toml:"FeeBps"`
	FeeCurve *FeeCurveConfig `toml:"fee_curve"`
}

// FeeCurveConfig describes a utilisation driven fee curve. When present it
// takes precedence over FeeBps.
type FeeCurveConfig struct {
	Base        float64 `toml:"Base"`
	Slope1      float64 `toml:"Slope1"`
	Slope2      float64 `toml:"Slope2"`
	Kink        float64 `toml:"Kink"`
	CapacityWei string  `toml:"CapacityWei"`
}

// LoadConfig decodes a TOML parameters file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("rewards params: path required")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("rewards params: decode %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize upper-cases and de-duplicates the token list.
func (c *Config) Normalize() {
	seen := make(map[string]struct{}, len(c.Tokens))
	tokens := make([]string, 0, len(c.Tokens))
	for _, token := range c.Tokens {
		token = normalizeToken(token)
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	c.Tokens = tokens
}

// Validate checks the parameters are within range.
func (c Config) Validate() error {
	if len(c.Tokens) == 0 {
		return fmt.Errorf("rewards params: at least one reward token required")
	}
	if c.FeeBps > 10_000 {
		return fmt.Errorf("rewards params: FeeBps %d exceeds 10000", c.FeeBps)
	}
	if curve := c.FeeCurve; curve != nil {
		if curve.Base < 0 || curve.Slope1 < 0 || curve.Slope2 < 0 {
			return fmt.Errorf("rewards params: fee curve terms must be non-negative")
		}
		if curve.Kink < 0 || curve.Kink > 1 {
			return fmt.Errorf("rewards params: fee curve kink must be within [0, 1]")
		}
		if _, err := curve.capacity(); err != nil {
			return err
		}
	}
	return nil
}

func (c FeeCurveConfig) capacity() (*big.Int, error) {
	raw := strings.TrimSpace(c.CapacityWei)
	if raw == "" {
		return nil, fmt.Errorf("rewards params: fee curve CapacityWei required")
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("rewards params: invalid fee curve CapacityWei %q", raw)
	}
	return value, nil
}

// FeeSchedule builds the configured schedule. used reports the amount the
// curve measures against CapacityWei.
func (c Config) FeeSchedule(used func() (*big.Int, error)) (FeeSchedule, error) {
	if c.FeeCurve == nil {
		return NewFixedFeeBps(c.FeeBps), nil
	}
	capacity, err := c.FeeCurve.capacity()
	if err != nil {
		return nil, err
	}
	source := func() (*big.Int, *big.Int, error) {
		if used == nil {
			return big.NewInt(0), capacity, nil
		}
		value, err := used()
		if err != nil {
			return nil, nil, err
		}
		return value, capacity, nil
	}
	curve := c.FeeCurve
	return NewCurveFee(curve.Base, curve.Slope1, curve.Slope2, curve.Kink, source), nil
}
