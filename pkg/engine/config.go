package engine

import (
	"github.com/levenlabs/go-lflag"
)

const (
	// DefaultVoltage converts an amp-hour capacity when no voltage is set.
	DefaultVoltage = 50.0
	// DefaultSOCThreshold is how far the state of charge must move before the
	// plan is rebuilt.
	DefaultSOCThreshold = 5.0
)

// Config holds the battery figures used to size a charge. Zero values mean
// the battery system's own reading is used instead.
type Config struct {
	CapacityKWh  float64
	CapacityAh   float64
	Voltage      float64
	ChargeRateW  float64
	SOCThreshold float64
}

// Capacity returns the usable capacity in kWh, derived from amp-hours and
// voltage when no kWh figure is set.
func (c Config) Capacity() float64 {
	if c.CapacityKWh > 0 {
		return c.CapacityKWh
	}
	if c.CapacityAh > 0 {
		v := c.Voltage
		if v <= 0 {
			v = DefaultVoltage
		}
		return c.CapacityAh * v / 1000
	}
	return 0
}

// ChargeRateKW returns the charge rate in kW.
func (c Config) ChargeRateKW() float64 {
	return c.ChargeRateW / 1000
}

func (c Config) threshold() float64 {
	if c.SOCThreshold <= 0 {
		return DefaultSOCThreshold
	}
	return c.SOCThreshold
}

// Configured registers the battery flags and returns the Config they fill.
func Configured() *Config {
	var c Config
	var capacityKWh, capacityAh, chargeRateW float64
	voltage := DefaultVoltage
	threshold := DefaultSOCThreshold
	lflag.JSON(&capacityKWh, "battery-capacity-kwh", capacityKWh, "Usable battery capacity in kWh")
	lflag.JSON(&capacityAh, "battery-capacity-ah", capacityAh, "Battery capacity in Ah, used when battery-capacity-kwh is not set")
	lflag.JSON(&voltage, "battery-voltage", voltage, "Nominal battery voltage for converting battery-capacity-ah")
	lflag.JSON(&chargeRateW, "charge-rate-w", chargeRateW, "Grid charge power in W while the charge window is open")
	lflag.JSON(&threshold, "soc-threshold", threshold, "State of charge change (percentage points) that triggers a new plan")

	lflag.Do(func() {
		if capacityKWh < 0 || capacityAh < 0 || chargeRateW < 0 {
			panic("battery capacity and charge rate cannot be negative")
		}
		if voltage <= 0 {
			panic("battery-voltage must be positive")
		}
		if threshold <= 0 {
			panic("soc-threshold must be positive")
		}
		c = Config{
			CapacityKWh:  capacityKWh,
			CapacityAh:   capacityAh,
			Voltage:      voltage,
			ChargeRateW:  chargeRateW,
			SOCThreshold: threshold,
		}
	})

	return &c
}
