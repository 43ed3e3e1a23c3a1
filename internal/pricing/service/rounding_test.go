package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundHalfEven(t *testing.T) {
	tests := []struct {
		in     string
		places int32
		want   string
	}{
		{"2.345", 2, "2.34"},
		{"2.355", 2, "2.36"},
		{"2.3449", 2, "2.34"},
		{"2.3451", 2, "2.35"},
		{"0.125", 2, "0.12"},
		{"0.135", 2, "0.14"},
		{"-2.345", 2, "-2.34"},
		{"-2.355", 2, "-2.36"},
		{"2.5", 0, "2"},
		{"3.5", 0, "4"},
		{"10", 2, "10"},
		{"1.005", 2, "1"},
	}
	for _, tt := range tests {
		got := RoundHalfEven(decimal.RequireFromString(tt.in), tt.places)
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "%s -> %s, got %s", tt.in, tt.want, got)
	}
}

func TestRoundHalfEvenAgreesWithRoundBank(t *testing.T) {
	for _, raw := range []string{"0.005", "0.015", "0.025", "19.995", "7.4449", "-0.045", "123.456789"} {
		d := decimal.RequireFromString(raw)
		for places := int32(0); places <= 4; places++ {
			assert.True(t, RoundHalfEven(d, places).Equal(d.RoundBank(places)), "%s at %d", raw, places)
		}
	}
}
