package fees

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	p, err := Parse("", "", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, p.Mode)
	assert.Equal(t, SideSeller, p.Side)
	assert.Equal(t, DefaultParty, p.Party)

	q, err := p.Compute(100_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Amount)
	assert.Equal(t, int64(100_000_000), q.SellerNet(100_000_000))
}

func TestCompute_Percent(t *testing.T) {
	p, err := Parse("percent", "2.5", "", "seller", "0xFEE0000000000000000000000000000000000000")
	require.NoError(t, err)

	q, err := p.Compute(100_000_000) // 100 USDC
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), q.Amount)
	assert.Equal(t, int64(97_500_000), q.SellerNet(100_000_000))
	assert.Equal(t, int64(100_000_000), q.BuyerGross(100_000_000))
	assert.Equal(t, "0xfee0000000000000000000000000000000000000", q.Party)
}

func TestCompute_PercentRoundsDown(t *testing.T) {
	p, err := Parse("percent", "1", "", "seller", "")
	require.NoError(t, err)

	q, err := p.Compute(199) // 1.99 minor units
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Amount)
}

func TestCompute_FlatBuyerSide(t *testing.T) {
	p, err := Parse("flat", "", "0.25", "buyer", "")
	require.NoError(t, err)

	q, err := p.Compute(1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), q.Amount)
	assert.Equal(t, int64(1_250_000), q.BuyerGross(1_000_000))
	assert.Equal(t, int64(1_000_000), q.SellerNet(1_000_000))
}

func TestCompute_SellerFeeExceedsAmount(t *testing.T) {
	p, err := Parse("flat", "", "1", "seller", "")
	require.NoError(t, err)

	_, err = p.Compute(1_000_000)
	assert.ErrorIs(t, err, ErrFeeExceeds)
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct{ mode, rate, flat, side string }{
		{"bogus", "", "", ""},
		{"percent", "abc", "", ""},
		{"percent", "100", "", ""},
		{"percent", "-1", "", ""},
		{"flat", "", "-1", ""},
		{"flat", "", "0.1234567", ""},
		{"none", "", "", "middle"},
	}
	for _, c := range cases {
		_, err := Parse(c.mode, c.rate, c.flat, c.side, "")
		assert.ErrorIs(t, err, ErrInvalidPolicy, "%+v", c)
	}
}

func TestCompute_BuyerGrossOverflow(t *testing.T) {
	p, err := Parse("flat", "", "0.25", "buyer", "")
	require.NoError(t, err)

	_, err = p.Compute(math.MaxInt64 - 249_999)
	assert.ErrorIs(t, err, ErrOverflow)

	q, err := p.Compute(math.MaxInt64 - 250_000)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), q.BuyerGross(math.MaxInt64-250_000))
}
