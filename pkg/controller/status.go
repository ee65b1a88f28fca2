package controller

import (
	"fmt"
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

const (
	statusWaitingForPlan    = "Waiting for charge plan"
	statusNoPlan            = "No valid charge plan available. Waiting for new charge plan."
	statusError             = "Error"
	statusNoMoreSlots       = "No more slots."
	statusAllProcessedFmt   = "All charging slots for today processed. The last slot ends at %s."
	statusChargingFmt       = "Charging from %s to %s. %s"
	statusActiveFmt         = "Charging slot from %s to %s active. %s"
	statusCountdownFmt      = "Next slot starts in %dh %dm. At %s"
	statusNextSlotFmt       = "Next slot: %s"
)

func clock(t time.Time, loc *time.Location) string {
	return types.ClockOf(t.In(loc)).String()
}

func nextSlotText(windows []types.ChargeWindow, i int, loc *time.Location) string {
	if i+1 < len(windows) {
		return fmt.Sprintf(statusNextSlotFmt, clock(windows[i+1].Start, loc))
	}
	return statusNoMoreSlots
}

func chargingStatus(windows []types.ChargeWindow, loc *time.Location) string {
	w := windows[0]
	return fmt.Sprintf(statusChargingFmt, clock(w.Start, loc), clock(w.End, loc), nextSlotText(windows, 0, loc))
}

func activeStatus(windows []types.ChargeWindow, i int, loc *time.Location) string {
	w := windows[i]
	return fmt.Sprintf(statusActiveFmt, clock(w.Start, loc), clock(w.End, loc), nextSlotText(windows, i, loc))
}

func countdownStatus(remaining time.Duration, start time.Time, loc *time.Location) string {
	remaining = remaining.Truncate(time.Minute)
	hours := int(remaining / time.Hour)
	minutes := int((remaining % time.Hour) / time.Minute)
	return fmt.Sprintf(statusCountdownFmt, hours, minutes, clock(start, loc))
}

func allProcessedStatus(last types.ChargeWindow, loc *time.Location) string {
	return fmt.Sprintf(statusAllProcessedFmt, clock(last.End, loc))
}
