package controller

import (
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

// MergeWindows folds chronologically ordered slot starts into charge windows.
// A slot starting exactly where the previous window ends extends it; any
// larger gap starts a new window. Repeated starts are ignored.
func MergeWindows(starts []time.Time, slot time.Duration) []types.ChargeWindow {
	var out []types.ChargeWindow
	for _, s := range starts {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if s.Equal(last.End) {
				last.End = s.Add(slot)
				continue
			}
			if s.Before(last.End) {
				continue
			}
		}
		out = append(out, types.ChargeWindow{Start: s, End: s.Add(slot)})
	}
	return out
}
