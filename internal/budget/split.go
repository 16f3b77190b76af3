package budget

import (
	"fmt"
	"math"
	"sort"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// Allocation is the one-time split of an objective's global budget.
type Allocation struct {
	Global      int64   `json:"global_token_budget"`
	Overhead    int64   `json:"overhead_budget"`
	Distributed int64   `json:"distributed_budget"`
	Reserve     int64   `json:"reserve_budget"`
	Shares      []int64 `json:"shares"`
}

// Split divides global into overhead, reserve and a distributed part, then
// divides the distributed part across assignments in proportion to weights.
// Shares always sum exactly to Distributed (largest remainder rounding).
// Non-positive weights count as zero; if every weight is zero the split is even.
func Split(global int64, overheadPct, reservePct float64, weights []float64) (Allocation, error) {
	if global <= 0 {
		return Allocation{}, domain.NewEngineError(domain.ErrPlanInvalid.Code, "global token budget must be positive")
	}
	if overheadPct < 0 || reservePct < 0 || overheadPct+reservePct >= 100 {
		return Allocation{}, domain.NewEngineError(domain.ErrPlanInvalid.Code,
			fmt.Sprintf("overhead %.1f%% + reserve %.1f%% must be below 100%%", overheadPct, reservePct))
	}
	if len(weights) == 0 {
		return Allocation{}, domain.NewEngineError(domain.ErrPlanInvalid.Code, "at least one assignment is required")
	}

	overhead := int64(math.Floor(float64(global) * overheadPct / 100))
	reserve := int64(math.Floor(float64(global) * reservePct / 100))
	alloc := Allocation{
		Global:      global,
		Overhead:    overhead,
		Reserve:     reserve,
		Distributed: global - overhead - reserve,
	}
	alloc.Shares = apportion(alloc.Distributed, weights)
	return alloc, nil
}

func apportion(total int64, weights []float64) []int64 {
	w := make([]float64, len(weights))
	var sum float64
	for i, v := range weights {
		if v > 0 {
			w[i] = v
			sum += v
		}
	}
	if sum == 0 {
		for i := range w {
			w[i] = 1
		}
		sum = float64(len(w))
	}

	shares := make([]int64, len(w))
	type rem struct {
		idx  int
		frac float64
	}
	rems := make([]rem, len(w))
	var assigned int64
	for i, v := range w {
		exact := float64(total) * v / sum
		shares[i] = int64(math.Floor(exact))
		assigned += shares[i]
		rems[i] = rem{idx: i, frac: exact - float64(shares[i])}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for i := int64(0); i < total-assigned; i++ {
		shares[rems[int(i)%len(rems)].idx]++
	}
	return shares
}
