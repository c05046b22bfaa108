package rewards

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeParams(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewards.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigFixedFee(t *testing.T) {
	path := writeParams(t, `
Tokens = [" znhb ", "NHB", "ZNHB"]
FeeBps = 250
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []string{"ZNHB", "NHB"}, cfg.Tokens)

	schedule, err := cfg.FeeSchedule(nil)
	require.NoError(t, err)
	fraction, err := schedule.FeeFraction()
	require.NoError(t, err)
	require.Zero(t, fraction.Cmp(scaled(25, 1_000)))
}

func TestLoadConfigFeeCurve(t *testing.T) {
	path := writeParams(t, `
Tokens = ["ZNHB"]
FeeBps = 9000

[fee_curve]
Base = 0.0625
Slope1 = 0.5
Slope2 = 2.0
Kink = 0.75
CapacityWei = "8"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.FeeCurve)

	schedule, err := cfg.FeeSchedule(func() (*big.Int, error) { return big.NewInt(4), nil })
	require.NoError(t, err)
	fraction, err := schedule.FeeFraction()
	require.NoError(t, err)
	require.Zero(t, fraction.Cmp(scaled(3125, 10_000)))
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"no tokens":    `FeeBps = 10`,
		"fee too high": "Tokens = [\"X\"]\nFeeBps = 10001",
		"bad kink":     "Tokens = [\"X\"]\n[fee_curve]\nKink = 1.5\nCapacityWei = \"1\"",
		"no capacity":  "Tokens = [\"X\"]\n[fee_curve]\nKink = 0.5",
		"bad capacity": "Tokens = [\"X\"]\n[fee_curve]\nKink = 0.5\nCapacityWei = \"-4\"",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeParams(t, contents))
			require.Error(t, err)
		})
	}
	_, err := LoadConfig("")
	require.Error(t, err)
}
