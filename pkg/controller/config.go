package controller

import (
	"github.com/levenlabs/go-lflag"
)

// Configured registers the controller timing flags. SlotDuration and Location
// are left for the caller to copy from the planner.
func Configured() *Config {
	var cfg Config
	poll := lflag.Duration("poll-interval", DefaultPollInterval, "How long to wait for a plan, and how long after a failed control cycle before resetting")
	tick := lflag.Duration("countdown-tick", DefaultTick, "Longest sleep between status updates while counting down to a window")

	lflag.Do(func() {
		if *poll <= 0 {
			panic("poll-interval must be positive")
		}
		if *tick <= 0 {
			panic("countdown-tick must be positive")
		}
		cfg.PollInterval = *poll
		cfg.Tick = *tick
	})

	return &cfg
}
