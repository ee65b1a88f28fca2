package planner

import (
	"sort"
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
	"github.com/shopspring/decimal"
)

// DefaultMaxAcceptableCost is the price ceiling in minor units per kWh.
// Slots priced at or above it are never selected.
const DefaultMaxAcceptableCost = 10.00

// DefaultSlotDuration is the width of a rate slot.
const DefaultSlotDuration = 30 * time.Minute

// Selector picks the cheapest slots out of a candidate set.
type Selector struct {
	MaxAcceptableCost float64
	SlotDuration      time.Duration
}

// Selection is the chronologically ordered result of SelectCheapestSlots.
type Selection struct {
	Slots     []types.RateSlot
	TotalCost float64
}

// SelectCheapestSlots filters candidates by the price ceiling, takes the n
// cheapest (earliest first on ties), drops any whose start has passed and
// returns the rest in time order with their predicted cost at rateKW.
// An empty selection is not an error.
func (s Selector) SelectCheapestSlots(candidates types.RateSet, n int, rateKW float64, now time.Time) Selection {
	if n <= 0 {
		return Selection{}
	}

	eligible := make([]types.RateSlot, 0, candidates.Len())
	for _, slot := range candidates.Slots() {
		if slot.Cost >= s.MaxAcceptableCost {
			continue
		}
		eligible = append(eligible, slot)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Cost != eligible[j].Cost {
			return eligible[i].Cost < eligible[j].Cost
		}
		return eligible[i].Start.Before(eligible[j].Start)
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}

	selected := make([]types.RateSlot, 0, len(eligible))
	for _, slot := range eligible {
		if slot.Start.Before(now) {
			continue
		}
		selected = append(selected, slot)
	}
	if len(selected) == 0 {
		return Selection{}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Start.Before(selected[j].Start)
	})

	return Selection{
		Slots:     selected,
		TotalCost: s.cost(selected, rateKW),
	}
}

// cost sums cost x rate x slot hours without float drift.
func (s Selector) cost(slots []types.RateSlot, rateKW float64) float64 {
	energy := decimal.NewFromFloat(rateKW).Mul(decimal.NewFromFloat(s.slotDuration().Hours()))
	total := decimal.Zero
	for _, slot := range slots {
		total = total.Add(decimal.NewFromFloat(slot.Cost).Mul(energy))
	}
	return total.Round(4).InexactFloat64()
}

func (s Selector) slotDuration() time.Duration {
	if s.SlotDuration <= 0 {
		return DefaultSlotDuration
	}
	return s.SlotDuration
}
