// Package fixed holds the 18-decimal fixed-point helpers shared by every engine.
//
// Values are *uint256.Int. Canonical prices and normalized amounts carry 18 decimals;
// basis points are out of 10000.
package fixed

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// Decimals is the precision of the canonical unit.
	Decimals = 18
	// BPS is the basis-point denominator.
	BPS = 10_000
)

var (
	ErrOverflow       = errors.New("fixed: arithmetic overflow")
	ErrDivisionByZero = errors.New("fixed: division by zero")
	ErrDecimals       = errors.New("fixed: decimals exceed 18")
)

var (
	// One is 10^18.
	One = Pow10(Decimals)
	// MaxUint256 is returned as an "unreachable" taking requirement to block a fill.
	MaxUint256 = new(uint256.Int).SetAllOne()

	bps = uint256.NewInt(BPS)
)

// Pow10 returns 10^n. n must be <= 77.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// MulDiv returns floor(x*y/d) computed with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	// remainder check: x*y mod d != 0
	if new(uint256.Int).MulMod(x, y, d).IsZero() {
		return z, nil
	}
	if z.Eq(MaxUint256) {
		return nil, ErrOverflow
	}
	return z.AddUint64(z, 1), nil
}

// ToCanonical scales an amount with the given native decimals up to 18 decimals.
func ToCanonical(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if decimals > Decimals {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	if decimals == Decimals {
		return amount.Clone(), nil
	}
	z, overflow := new(uint256.Int).MulOverflow(amount, Pow10(Decimals-decimals))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// FromCanonical scales an 18-decimal amount down to native decimals, truncating.
func FromCanonical(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if decimals > Decimals {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	if decimals == Decimals {
		return amount.Clone(), nil
	}
	return new(uint256.Int).Div(amount, Pow10(Decimals-decimals)), nil
}

// ApplyBps returns floor(amount * bps / 10000).
func ApplyBps(amount *uint256.Int, b uint64) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(b), bps)
}

// DiffBps returns |a-b|*10000/b. b must be non-zero.
func DiffBps(a, b *uint256.Int) (*uint256.Int, error) {
	diff := new(uint256.Int)
	if a.Gt(b) {
		diff.Sub(a, b)
	} else {
		diff.Sub(b, a)
	}
	return MulDiv(diff, bps, b)
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a
	}
	return b
}


// Units returns v * 10^18, for literals like Units(4000) in configs and tests.
func Units(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), One)
}

// MustFromDecimal parses a base-10 string and panics on error.
func MustFromDecimal(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}
