package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

// ErrDataUnavailable is wrapped when a plan cannot be sized or has no
// candidate rates yet.
var ErrDataUnavailable = errors.New("data unavailable")

// DefaultPeriods are checked in order; the first containing now wins.
var DefaultPeriods = []types.Period{
	{Name: "afternoon", Start: types.NewClockTime(12, 0), End: types.NewClockTime(16, 0)},
	{Name: "evening", Start: types.NewClockTime(17, 50), End: types.NewClockTime(23, 59)},
	{Name: "overnight", Start: types.NewClockTime(23, 25), End: types.NewClockTime(8, 0)},
}

// Builder turns a requirement and per-period rates into a ChargePlan. It
// reads no external state, so identical inputs always give identical plans
// and it is safe to call from several goroutines.
type Builder struct {
	Periods  []types.Period
	Selector Selector
	Location *time.Location
}

// NewBuilder returns a Builder with default selector settings.
func NewBuilder(periods []types.Period, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.Local
	}
	return &Builder{
		Periods: periods,
		Selector: Selector{
			MaxAcceptableCost: DefaultMaxAcceptableCost,
			SlotDuration:      DefaultSlotDuration,
		},
		Location: loc,
	}
}

// SlotDuration returns the configured slot width.
func (b *Builder) SlotDuration() time.Duration {
	return b.Selector.slotDuration()
}

// ActivePeriod returns the first period that contains now.
func (b *Builder) ActivePeriod(now time.Time) (types.Period, bool) {
	c := types.ClockOf(now.In(b.Location))
	for _, p := range b.Periods {
		if p.Contains(c) {
			return p, true
		}
	}
	return types.Period{}, false
}

// RatesByPeriod splits set into each period's candidates: the slots of the
// occurrence that contains now, or of the next occurrence.
func (b *Builder) RatesByPeriod(set types.RateSet, now time.Time) map[string]types.RateSet {
	local := now.In(b.Location)
	out := make(map[string]types.RateSet, len(b.Periods))
	for _, p := range b.Periods {
		start, end := p.Instance(local)
		out[p.Name] = set.Between(start, end)
	}
	return out
}

// CheckRequirement returns an error wrapping ErrDataUnavailable naming every
// missing input.
func CheckRequirement(req types.ChargeRequirement) error {
	var missing []string
	if req.CapacityKWh <= 0 {
		missing = append(missing, "capacity")
	}
	if !req.SOCKnown {
		missing = append(missing, "state of charge")
	}
	if req.ChargeRateKW <= 0 {
		missing = append(missing, "charge rate")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrDataUnavailable, strings.Join(missing, ", "))
	}
	return nil
}

// BuildPlan selects the slots for the period active at now.
func (b *Builder) BuildPlan(req types.ChargeRequirement, ratesByPeriod map[string]types.RateSet, now time.Time) types.ChargePlan {
	plan := types.ChargePlan{
		SlotStarts: []time.Time{},
		CreatedAt:  now,
	}

	if err := CheckRequirement(req); err != nil {
		plan.State = types.PlanDataUnavailable
		plan.Reason = err.Error()
		return plan
	}
	plan.RequiredSlots = req.RequiredSlots(b.SlotDuration())

	period, ok := b.ActivePeriod(now)
	if !ok {
		plan.State = types.PlanOutsidePeriod
		plan.Reason = "outside of any charge period"
		return plan
	}
	plan.Period = period.Name

	if plan.RequiredSlots == 0 {
		plan.State = types.PlanNoChargeNeeded
		plan.Reason = fmt.Sprintf("state of charge %.0f%% already at target %.0f%%", req.CurrentSOC, req.Target())
		return plan
	}

	candidates := ratesByPeriod[period.Name]
	if candidates.Len() == 0 {
		plan.State = types.PlanDataUnavailable
		plan.Reason = fmt.Errorf("%w: no rates for %s period", ErrDataUnavailable, period.Name).Error()
		return plan
	}

	sel := b.Selector.SelectCheapestSlots(candidates, plan.RequiredSlots, req.ChargeRateKW, now)
	if len(sel.Slots) == 0 {
		plan.State = types.PlanNoSlots
		plan.Reason = fmt.Sprintf("no %s slots below %.2fp remain", period.Name, b.Selector.MaxAcceptableCost)
		return plan
	}

	plan.State = types.PlanReady
	plan.SlotCount = len(sel.Slots)
	plan.TotalCost = sel.TotalCost
	plan.Slots = sel.Slots
	for _, s := range sel.Slots {
		plan.SlotStarts = append(plan.SlotStarts, s.Start)
	}
	return plan
}
