package utility

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/chargewindow/pkg/types"
)

const staticProvider = "static"

// StaticRate prices the wall-clock range [Start, End). A range with Start
// after End wraps past midnight.
type StaticRate struct {
	Start types.ClockTime `json:"start"`
	End   types.ClockTime `json:"end"`
	Cost  string          `json:"cost"`
}

// Static implements Provider with a fixed time-of-use table that repeats
// every day. Times outside every range use DefaultCost.
type Static struct {
	mu           sync.Mutex
	rates        []StaticRate
	defaultCost  string
	slotDuration time.Duration
	location     *time.Location
}

// NewStatic returns a Static provider.
func NewStatic(rates []StaticRate, defaultCost string, slot time.Duration, loc *time.Location) *Static {
	if loc == nil {
		loc = time.Local
	}
	return &Static{
		rates:        rates,
		defaultCost:  defaultCost,
		slotDuration: slot,
		location:     loc,
	}
}

// configuredStatic sets up flags for Static and returns the instance.
func configuredStatic() *Static {
	s := NewStatic(nil, "", 30*time.Minute, time.Local)

	var rates []StaticRate
	lflag.JSON(&rates, "static-rates", []StaticRate{}, `JSON list of {"start":"HH:MM","end":"HH:MM","cost":"12.5"} time-of-use rates`)
	defaultCost := lflag.String("static-default-cost", "", "Cost (pence/kWh) for times outside every static rate")
	slot := lflag.Duration("static-slot-duration", 30*time.Minute, "Width of each generated static quote")
	timezone := lflag.String("static-timezone", "Europe/London", "IANA timezone the static rate times are in")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid static-timezone %s: %v", *timezone, err))
		}
		s.mu.Lock()
		s.rates = rates
		s.defaultCost = *defaultCost
		s.slotDuration = *slot
		s.location = loc
		s.mu.Unlock()
	})

	return s
}

// Validate ensures the configuration is valid.
func (s *Static) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slotDuration <= 0 {
		return errors.New("static-slot-duration must be positive")
	}
	if len(s.rates) == 0 && s.defaultCost == "" {
		return errors.New("static-rates or static-default-cost is required")
	}
	for _, r := range s.rates {
		if r.Start == r.End {
			return fmt.Errorf("static rate %s-%s is empty", r.Start, r.End)
		}
	}
	return nil
}

// costAt returns the cost for the wall-clock time c, or nil when no rate
// covers it and there is no default.
func (s *Static) costAt(c types.ClockTime) *string {
	for _, r := range s.rates {
		p := types.Period{Start: r.Start, End: r.End}
		if p.Contains(c) {
			cost := r.Cost
			return &cost
		}
	}
	if s.defaultCost == "" {
		return nil
	}
	cost := s.defaultCost
	return &cost
}

// GetQuotes returns one quote per slot starting within [start, end). Slots
// are aligned to the slot width from local midnight.
func (s *Static) GetQuotes(ctx context.Context, start, end time.Time) ([]types.RawQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slotDuration <= 0 {
		return nil, errors.New("static slot duration not configured")
	}

	local := start.In(s.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
	t := midnight.Add(local.Sub(midnight).Truncate(s.slotDuration))

	var quotes []types.RawQuote
	for ; t.Before(end); t = t.Add(s.slotDuration) {
		if t.Before(start) {
			continue
		}
		cost := s.costAt(types.ClockOf(t))
		if cost == nil {
			continue
		}
		quotes = append(quotes, types.RawQuote{
			Provider:  staticProvider,
			Cost:      cost,
			ValidFrom: t,
			ValidTo:   t.Add(s.slotDuration),
		})
	}
	return quotes, nil
}
