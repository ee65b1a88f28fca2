package planner

import (
	"sync"

	"github.com/raterudder/chargewindow/pkg/types"
)

// Board holds the authoritative ChargePlan. Publishing replaces the plan and
// notifies subscribers in one step under the lock, so a subscriber never sees
// a plan that is not also what Current returns.
type Board struct {
	mu      sync.Mutex
	current types.ChargePlan
	subs    map[chan types.ChargePlan]struct{}
}

// NewBoard returns a Board holding an empty data_unavailable plan.
func NewBoard() *Board {
	return &Board{
		current: types.ChargePlan{State: types.PlanDataUnavailable},
		subs:    make(map[chan types.ChargePlan]struct{}),
	}
}

func clonePlan(p types.ChargePlan) types.ChargePlan {
	if p.SlotStarts != nil {
		p.SlotStarts = append(p.SlotStarts[:0:0], p.SlotStarts...)
	}
	if p.Slots != nil {
		p.Slots = append(p.Slots[:0:0], p.Slots...)
	}
	return p
}

// Publish installs plan. Subscribers are notified, and true returned, only
// when the ordered slot starts or the plan state differ from the previous
// plan.
func (b *Board) Publish(plan types.ChargePlan) bool {
	plan = clonePlan(plan)

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := !plan.SameSlots(b.current) || plan.State != b.current.State
	b.current = plan
	if !changed {
		return false
	}
	for ch := range b.subs {
		// keep only the latest plan in each subscriber's buffer
		select {
		case <-ch:
		default:
		}
		ch <- clonePlan(plan)
	}
	return true
}

// Current returns a copy of the current plan.
func (b *Board) Current() types.ChargePlan {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clonePlan(b.current)
}

// Subscribe returns a channel receiving each changed plan and a function to
// stop the subscription. Slow subscribers only ever see the newest plan.
func (b *Board) Subscribe() (<-chan types.ChargePlan, func()) {
	ch := make(chan types.ChargePlan, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}
