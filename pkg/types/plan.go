package types

import (
	"fmt"
	"math"
	"time"
)

// DefaultTargetSOC is used when no target has been set.
const DefaultTargetSOC = 100.0

// ChargeRequirement is the energy top-up needed for the current cycle. It is
// derived from the latest inputs and never stored.
type ChargeRequirement struct {
	CapacityKWh  float64 `json:"capacityKWh"`
	CurrentSOC   float64 `json:"currentSOC"`
	TargetSOC    float64 `json:"targetSOC"`
	ChargeRateKW float64 `json:"chargeRateKW"`

	// SOCKnown distinguishes a measured 0% from a missing reading.
	SOCKnown bool `json:"socKnown"`
}

// Target returns the target state of charge, defaulting to 100 when unset.
func (r ChargeRequirement) Target() float64 {
	if r.TargetSOC <= 0 {
		return DefaultTargetSOC
	}
	return r.TargetSOC
}

// Valid reports whether every input needed to size the charge is present.
func (r ChargeRequirement) Valid() bool {
	return r.CapacityKWh > 0 && r.ChargeRateKW > 0 && r.SOCKnown
}

// RequiredKWh returns the energy needed to reach the target, floored at 0.
func (r ChargeRequirement) RequiredKWh() float64 {
	kwh := r.CapacityKWh * (r.Target() - r.CurrentSOC) / 100
	if kwh < 0 {
		return 0
	}
	return kwh
}

// RequiredSlots returns how many slots of the given width are needed to
// deliver RequiredKWh at ChargeRateKW.
func (r ChargeRequirement) RequiredSlots(slot time.Duration) int {
	perSlot := r.ChargeRateKW * slot.Hours()
	if perSlot <= 0 {
		return 0
	}
	// round away float noise before ceil so 6/1.0000000001 stays 6
	n := math.Round(r.RequiredKWh()/perSlot*1e9) / 1e9
	return int(math.Ceil(n))
}

// PlanState describes whether a plan is actionable.
type PlanState string

const (
	// PlanReady has slots to execute.
	PlanReady PlanState = "ready"
	// PlanNoChargeNeeded means the battery is already at or above target.
	PlanNoChargeNeeded PlanState = "no_charge_needed"
	// PlanDataUnavailable means inputs or candidate rates were missing and the
	// plan is not yet schedulable.
	PlanDataUnavailable PlanState = "data_unavailable"
	// PlanOutsidePeriod means now is not inside any configured period.
	PlanOutsidePeriod PlanState = "outside_period"
	// PlanNoSlots means selection ran but nothing passed the price and time
	// filters.
	PlanNoSlots PlanState = "no_slots"
)

// ChargePlan is the authoritative output of slot selection for a cycle.
// A new plan always fully replaces the previous one.
type ChargePlan struct {
	State         PlanState   `json:"state"`
	Period        string      `json:"period,omitempty"`
	RequiredSlots int         `json:"requiredSlots"`
	SlotCount     int         `json:"slotCount"`
	TotalCost     float64     `json:"totalCost"`
	SlotStarts    []time.Time `json:"slotStarts"`
	Slots         []RateSlot  `json:"slots,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// HasSlots reports whether there is anything to execute.
func (p ChargePlan) HasSlots() bool {
	return len(p.SlotStarts) > 0
}

// SameSlots reports whether both plans list identical start instants in the
// same order.
func (p ChargePlan) SameSlots(o ChargePlan) bool {
	if len(p.SlotStarts) != len(o.SlotStarts) {
		return false
	}
	for i := range p.SlotStarts {
		if !p.SlotStarts[i].Equal(o.SlotStarts[i]) {
			return false
		}
	}
	return true
}

// SlotTimes formats the slot starts as "HH:MM" in loc.
func (p ChargePlan) SlotTimes(loc *time.Location) []string {
	out := make([]string, 0, len(p.SlotStarts))
	for _, s := range p.SlotStarts {
		out = append(out, ClockOf(s.In(loc)).String())
	}
	return out
}

// PlanAttributes are the plan figures published alongside the slot count.
type PlanAttributes struct {
	RequiredSlots int      `json:"required_slots"`
	TotalCost     string   `json:"total_cost"`
	SlotTimes     []string `json:"slot_times"`
}

// Attributes returns the published attributes of p with slot times in loc.
func (p ChargePlan) Attributes(loc *time.Location) PlanAttributes {
	return PlanAttributes{
		RequiredSlots: p.RequiredSlots,
		TotalCost:     fmt.Sprintf("%.2fp", p.TotalCost),
		SlotTimes:     p.SlotTimes(loc),
	}
}

// ChargeWindow is a contiguous interval made of one or more adjacent slots.
type ChargeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NeutralWindow is the closed actuator setting (00:00 to 00:00).
var NeutralWindow = ChargeWindow{}

// IsZero reports whether the window is the neutral window.
func (w ChargeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Equal compares both boundaries.
func (w ChargeWindow) Equal(o ChargeWindow) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// Contains reports whether t is in [Start, End).
func (w ChargeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Setting returns the wall-clock values written to the actuators.
func (w ChargeWindow) Setting(loc *time.Location) WindowSetting {
	if w.IsZero() {
		return WindowSetting{}
	}
	return WindowSetting{
		Start: ClockOf(w.Start.In(loc)),
		End:   ClockOf(w.End.In(loc)),
	}
}

// WindowSetting is the pair of time values held by the charge window
// actuators.
type WindowSetting struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// IsNeutral reports whether the setting closes the charge window.
func (s WindowSetting) IsNeutral() bool {
	return s.Start == Midnight && s.End == Midnight
}
