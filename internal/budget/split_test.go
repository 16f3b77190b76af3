package budget

import (
	"errors"
	"testing"

	"github.com/Rogers-F/tierforge/internal/domain"
)

func TestSplit_SumsExactly(t *testing.T) {
	alloc, err := Split(10000, 10, 10, []float64{1, 1, 1})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if alloc.Overhead != 1000 || alloc.Reserve != 1000 || alloc.Distributed != 8000 {
		t.Errorf("alloc = %+v", alloc)
	}
	want := []int64{2667, 2667, 2666}
	for i, s := range alloc.Shares {
		if s != want[i] {
			t.Errorf("Shares[%d] = %d, want %d", i, s, want[i])
		}
	}
	if alloc.Overhead+alloc.Distributed+alloc.Reserve != alloc.Global {
		t.Error("parts do not sum to global")
	}
}

func TestSplit_Weighted(t *testing.T) {
	alloc, err := Split(1000, 0, 0, []float64{0.75, 0.25})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if alloc.Shares[0] != 750 || alloc.Shares[1] != 250 {
		t.Errorf("Shares = %v, want [750 250]", alloc.Shares)
	}
}

func TestSplit_ZeroWeightsSplitEvenly(t *testing.T) {
	alloc, err := Split(100, 0, 0, []float64{0, 0})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if alloc.Shares[0] != 50 || alloc.Shares[1] != 50 {
		t.Errorf("Shares = %v, want [50 50]", alloc.Shares)
	}
}

func TestSplit_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		global   int64
		overhead float64
		reserve  float64
		weights  []float64
	}{
		{"zero_global", 0, 10, 10, []float64{1}},
		{"overhead_plus_reserve", 100, 60, 40, []float64{1}},
		{"no_assignments", 100, 10, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(tt.global, tt.overhead, tt.reserve, tt.weights)
			if !errors.Is(err, domain.ErrPlanInvalid) {
				t.Errorf("err = %v, want ErrPlanInvalid", err)
			}
		})
	}
}
