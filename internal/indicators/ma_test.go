package indicators

import (
	"math"
	"testing"
)

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		period int
		want   float64
	}{
		{"full window", []float64{1, 2, 3, 4, 5}, 5, 3},
		{"tail only", []float64{100, 1, 2, 3}, 3, 2},
		{"too short", []float64{1, 2}, 3, 0},
		{"zero period", []float64{1, 2}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SMA(tt.values, tt.period); got != tt.want {
				t.Errorf("SMA = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPercentDiff(t *testing.T) {
	if got := PercentDiff(100.02, 100); math.Abs(got-0.02) > 1e-9 {
		t.Errorf("PercentDiff = %v, want 0.02", got)
	}
	if got := PercentDiff(1, 0); got != 0 {
		t.Errorf("PercentDiff with zero base = %v", got)
	}
}
