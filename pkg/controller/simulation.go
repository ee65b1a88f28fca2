package controller

import (
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

// ScheduledWrite is one actuator write the controller would make for a plan.
type ScheduledWrite struct {
	At      time.Time           `json:"at"`
	Reason  types.ActionReason  `json:"reason"`
	Window  types.ChargeWindow  `json:"window"`
	Setting types.WindowSetting `json:"setting"`
}

// Simulate returns the writes an enabled controller would make when handed
// plan at now, assuming nothing interrupts it and lastApplied is what the
// actuators currently hold.
func Simulate(plan types.ChargePlan, cfg Config, lastApplied types.ChargeWindow, now time.Time) []ScheduledWrite {
	cfg = cfg.withDefaults()
	windows := MergeWindows(plan.SlotStarts, cfg.SlotDuration)
	if len(windows) == 0 {
		return nil
	}

	var out []ScheduledWrite
	add := func(at time.Time, w types.ChargeWindow, reason types.ActionReason) {
		if w.Equal(lastApplied) {
			return
		}
		out = append(out, ScheduledWrite{
			At:      at,
			Reason:  reason,
			Window:  w,
			Setting: w.Setting(cfg.Location),
		})
		lastApplied = w
	}

	add(now, windows[0], types.ActionReasonFirstWindow)
	for _, w := range windows {
		if !w.End.After(now) {
			continue
		}
		at := w.Start
		if at.Before(now) {
			at = now
		}
		add(at, w, types.ActionReasonWindowStart)
	}
	return out
}
