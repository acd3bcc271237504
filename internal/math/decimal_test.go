package math_test

import (
	fpmath "TradeLedger/internal/math"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestWeightedAverage(t *testing.T) {
	avg := fpmath.WeightedAverage(d("100"), d("10"), d("110"), d("5"))
	want := d("103.333333")
	if avg.Sub(want).Abs().GreaterThan(fpmath.Epsilon) {
		t.Errorf("avg: got %s, want ~%s", avg, want)
	}
}

func TestWeightedAverage_EmptyLeft(t *testing.T) {
	avg := fpmath.WeightedAverage(decimal.Zero, decimal.Zero, d("42.5"), d("3"))
	if !avg.Equal(d("42.5")) {
		t.Errorf("avg: got %s, want 42.5", avg)
	}
}

func TestRealizedPnL(t *testing.T) {
	tests := []struct {
		name  string
		long  bool
		entry string
		exit  string
		qty   string
		want  string
	}{
		{"long profit", true, "100", "120", "8", "160"},
		{"long loss", true, "100", "90", "7", "-70"},
		{"short profit", false, "100", "90", "2", "20"},
		{"short loss", false, "100", "130", "1", "-30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.RealizedPnL(tt.long, d(tt.entry), d(tt.exit), d(tt.qty))
			if !got.Equal(d(tt.want)) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApportion(t *testing.T) {
	if got := fpmath.Apportion(d("0.8"), d("8"), d("8")); !got.Equal(d("0.8")) {
		t.Errorf("full share: got %s, want 0.8", got)
	}
	if got := fpmath.Apportion(d("1"), d("3"), d("4")); !got.Equal(d("0.75")) {
		t.Errorf("partial share: got %s, want 0.75", got)
	}
	if got := fpmath.Apportion(d("1"), d("3"), decimal.Zero); !got.IsZero() {
		t.Errorf("zero whole: got %s, want 0", got)
	}
}

func TestIsDust(t *testing.T) {
	if !fpmath.IsDust(d("0.000001")) {
		t.Error("1e-6 should be dust")
	}
	if !fpmath.IsDust(d("-0.0000005")) {
		t.Error("-5e-7 should be dust")
	}
	if fpmath.IsDust(d("0.0000011")) {
		t.Error("1.1e-6 should not be dust")
	}
}
