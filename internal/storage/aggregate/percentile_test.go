package aggregate

import (
	"math"
	"testing"
)

func TestPercentileOfNoNumbersIsZero(t *testing.T) {
	for _, p := range []float64{0, 50, 100} {
		if got := Percentile(nil, p); got != 0 {
			t.Errorf("Percentile(nil, %v) = %v, want 0", p, got)
		}
	}
}

func TestPercentileOfOneNumberIsThatNumber(t *testing.T) {
	tests := []struct {
		number int32
		p      float64
	}{
		{4, 0},
		{5, 50},
		{-1, 100},
		{7, 33.3},
	}
	for _, tt := range tests {
		if got := Percentile([]int32{tt.number}, tt.p); got != float64(tt.number) {
			t.Errorf("Percentile([%d], %v) = %v", tt.number, tt.p, got)
		}
	}
}

func TestPercentileOfNoughtToTen(t *testing.T) {
	numbers := make([]int32, 11)
	for i := range numbers {
		numbers[i] = int32(i)
	}

	tests := []struct {
		p    float64
		want float64
	}{
		{-1, 0},
		{-1000, 0},
		{101, 10},
		{1101, 10},
		{0, 0},
		{10, 1},
		{25, 2.5},
		{90, 9},
		{100, 10},
		{2.5, 0.25},
		{5, 0.5},
		{7.5, 0.75},
		{50, 5},
		{92.5, 9.25},
		{95, 9.5},
		{97.5, 9.75},
	}

	for _, tt := range tests {
		if got := Percentile(numbers, tt.p); math.Abs(got-tt.want) > 1e-5 {
			t.Errorf("Percentile(0..10, %v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestPercentileInterpolatesUnevenValues(t *testing.T) {
	// Ranks 0..3 over 10, 20, 40, 80; p=50 sits halfway between 20 and 40.
	sorted := []int32{10, 20, 40, 80}
	if got := Percentile(sorted, 50); math.Abs(got-30) > 1e-9 {
		t.Errorf("Percentile = %v, want 30", got)
	}
	// p=5 is 0.15 of the way from 10 to 20.
	if got := Percentile(sorted, 5); math.Abs(got-11.5) > 1e-9 {
		t.Errorf("Percentile = %v, want 11.5", got)
	}
}
