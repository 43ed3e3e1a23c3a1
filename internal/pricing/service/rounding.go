package service

import "github.com/shopspring/decimal"

var (
	half = decimal.New(5, -1)
	two  = decimal.NewFromInt(2)
)

// RoundHalfEven rounds d to places decimals, sending exact ties to the even
// neighbour. Results match decimal.Decimal.RoundBank.
func RoundHalfEven(d decimal.Decimal, places int32) decimal.Decimal {
	scaled := d.Shift(places)
	integer := scaled.Truncate(0)
	remainder := scaled.Sub(integer).Abs()

	step := decimal.NewFromInt(int64(d.Sign()))
	switch remainder.Cmp(half) {
	case 1:
		integer = integer.Add(step)
	case 0:
		if !integer.Mod(two).IsZero() {
			integer = integer.Add(step)
		}
	}
	return integer.Shift(-places)
}
