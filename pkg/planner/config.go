package planner

import (
	"fmt"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargewindow/pkg/types"
	"gopkg.in/yaml.v3"
)

type periodsFile struct {
	Periods []types.Period `yaml:"periods"`
}

// LoadPeriods reads a YAML file of the form
//
//	periods:
//	  - name: overnight
//	    start: "23:25"
//	    end: "08:00"
func LoadPeriods(path string) ([]types.Period, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read periods file: %w", err)
	}
	return ParsePeriods(b)
}

// ParsePeriods decodes and validates YAML period definitions.
func ParsePeriods(b []byte) ([]types.Period, error) {
	var f periodsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse periods: %w", err)
	}
	if err := ValidatePeriods(f.Periods); err != nil {
		return nil, err
	}
	return f.Periods, nil
}

// ValidatePeriods checks each period and that names are unique.
func ValidatePeriods(periods []types.Period) error {
	if len(periods) == 0 {
		return fmt.Errorf("at least one period is required")
	}
	seen := make(map[string]bool, len(periods))
	for _, p := range periods {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate period: %s", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Configured registers the planner flags and returns the Builder they
// configure.
func Configured() *Builder {
	b := NewBuilder(DefaultPeriods, time.Local)

	timezone := lflag.String("timezone", "Europe/London", "IANA timezone that slot times and periods are expressed in")
	slotDuration := lflag.Duration("slot-duration", DefaultSlotDuration, "Width of a rate slot")
	maxCost := DefaultMaxAcceptableCost
	lflag.JSON(&maxCost, "max-acceptable-cost", maxCost, "Slots priced at or above this (pence/kWh) are never selected")
	periods := DefaultPeriods
	lflag.JSON(&periods, "periods", periods, "JSON list of {name,start,end} charge periods, checked in order")
	periodsPath := lflag.String("periods-file", "", "YAML file with charge periods (overrides --periods)")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid timezone %s: %v", *timezone, err))
		}
		b.Location = loc
		b.Selector.SlotDuration = *slotDuration
		b.Selector.MaxAcceptableCost = maxCost

		b.Periods = periods
		if *periodsPath != "" {
			p, err := LoadPeriods(*periodsPath)
			if err != nil {
				panic(fmt.Sprintf("periods file: %v", err))
			}
			b.Periods = p
		}
		if err := ValidatePeriods(b.Periods); err != nil {
			panic(fmt.Sprintf("invalid periods: %v", err))
		}
		if b.Selector.SlotDuration <= 0 {
			panic("slot-duration must be positive")
		}
	})

	return b
}
