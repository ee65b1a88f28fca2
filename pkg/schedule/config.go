package schedule

import (
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/chargewindow/pkg/types"
)

// Configured registers the trigger flags. Location is left for the caller to
// copy from the planner.
func Configured() *Config {
	var cfg Config
	planTimes := DefaultPlanTimes
	lflag.JSON(&planTimes, "plan-times", planTimes, `JSON list of "HH:MM" times to rebuild the plan, usually just before each period`)
	ratesTime := DefaultRatesTime
	lflag.JSON(&ratesTime, "rates-time", ratesTime, `Daily "HH:MM" time to fetch the next day's rates`)
	retry := lflag.Duration("rates-retry-delay", DefaultRetryDelay, "Delay before retrying a failed rate fetch")
	interval := lflag.Duration("recompute-interval", DefaultRecomputeInterval, "How often to rebuild the plan while charge control is enabled")

	lflag.Do(func() {
		if *retry <= 0 || *interval <= 0 {
			panic("rates-retry-delay and recompute-interval must be positive")
		}
		cfg = Config{
			PlanTimes:         append([]types.ClockTime{}, planTimes...),
			RatesTime:         ratesTime,
			RetryDelay:        *retry,
			RecomputeInterval: *interval,
		}
	})

	return &cfg
}
