package types

import "time"

// Phase is the charge controller's state machine position.
type Phase string

const (
	PhaseDisabled            Phase = "disabled"
	PhaseWaitingForPlan      Phase = "waiting_for_plan"
	PhaseProcessing          Phase = "processing"
	PhaseAllWindowsProcessed Phase = "all_windows_processed"
	PhaseError               Phase = "error"
)

// ControllerState is a snapshot of the charge controller. The controller is
// the only writer; everyone else receives copies.
type ControllerState struct {
	Enabled             bool           `json:"enabled"`
	Phase               Phase          `json:"phase"`
	CurrentWindowIndex  int            `json:"currentWindowIndex"`
	AllWindowsProcessed bool           `json:"allWindowsProcessed"`
	WaitingForPlan      bool           `json:"waitingForPlan"`
	LastAppliedWindow   ChargeWindow   `json:"lastAppliedWindow"`
	Windows             []ChargeWindow `json:"windows,omitempty"`
	StatusMessage       string         `json:"statusMessage"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// BatteryStatus is the latest reading from the battery system.
type BatteryStatus struct {
	SOC          float64   `json:"soc"`
	SOCKnown     bool      `json:"socKnown"`
	CapacityKWh  float64   `json:"capacityKWh"`
	ChargeRateKW float64   `json:"chargeRateKW"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActionReason records why the actuators were written.
type ActionReason string

const (
	ActionReasonFirstWindow ActionReason = "first_window"
	ActionReasonWindowStart ActionReason = "window_start"
	ActionReasonDisabled    ActionReason = "disabled"
	ActionReasonReset       ActionReason = "reset"
)

// Action is a record of a single actuator write.
type Action struct {
	Timestamp time.Time     `json:"timestamp"`
	Reason    ActionReason  `json:"reason"`
	Window    ChargeWindow  `json:"window"`
	Setting   WindowSetting `json:"setting"`
	Error     string        `json:"error,omitempty"`
}

// ControlSettings are the user adjustable controls that survive restarts.
type ControlSettings struct {
	Enabled   bool    `json:"enabled"`
	TargetSOC float64 `json:"targetSOC"`
}
