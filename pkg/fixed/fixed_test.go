package fixed

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalRoundTrip(t *testing.T) {
	for _, dec := range []uint8{0, 6, 8, 12, 18} {
		amount := uint256.NewInt(123_456_789)
		up, err := ToCanonical(amount, dec)
		require.NoError(t, err)
		back, err := FromCanonical(up, dec)
		require.NoError(t, err)
		assert.Equal(t, amount.Dec(), back.Dec(), "decimals=%d", dec)
	}
}

func TestFromCanonicalTruncates(t *testing.T) {
	// 1.999999999999999999 in 18-dec, down to 6 decimals
	v := MustFromDecimal("1999999999999999999")
	got, err := FromCanonical(v, 6)
	require.NoError(t, err)
	assert.Equal(t, "1999999", got.Dec())
}

func TestDecimalsAbove18Rejected(t *testing.T) {
	_, err := ToCanonical(uint256.NewInt(1), 19)
	assert.ErrorIs(t, err, ErrDecimals)
	_, err = FromCanonical(uint256.NewInt(1), 19)
	assert.ErrorIs(t, err, ErrDecimals)
}

func TestMulDiv(t *testing.T) {
	// intermediate exceeds 256 bits but the result fits
	big := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	got, err := MulDiv(big, big, big)
	require.NoError(t, err)
	assert.True(t, got.Eq(big))

	_, err = MulDiv(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int))
	assert.ErrorIs(t, err, ErrDivisionByZero)

	_, err = MulDiv(MaxUint256, MaxUint256, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestMulDivUp(t *testing.T) {
	got, err := MulDivUp(uint256.NewInt(10), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Uint64())

	got, err = MulDivUp(uint256.NewInt(9), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Uint64())
}

func TestDiffBps(t *testing.T) {
	got, err := DiffBps(Units(105), Units(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.Uint64())

	got, err = DiffBps(Units(95), Units(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.Uint64())
}

func TestApplyBps(t *testing.T) {
	got, err := ApplyBps(Units(20), 1000)
	require.NoError(t, err)
	assert.Equal(t, Units(2).Dec(), got.Dec())
}
