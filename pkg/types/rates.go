package types

import (
	"encoding/json"
	"sort"
	"time"
)

// RawQuote is a single price record as supplied by an upstream feed before
// normalization. Cost is kept as the feed's text so malformed values can be
// detected and dropped by the normalizer.
type RawQuote struct {
	Provider  string    `json:"provider,omitempty"`
	Cost      *string   `json:"cost"`
	ValidFrom time.Time `json:"validFrom"`
	ValidTo   time.Time `json:"validTo"`
}

// RateSlot is a fixed-width period with a price for energy delivered during it.
type RateSlot struct {
	// Cost is in currency minor units (pence) per kWh.
	Cost  float64   `json:"cost"`
	Date  string    `json:"date"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DateLayout is the layout of RateSlot.Date.
const DateLayout = "2006-01-02"

// StartTime returns the wall-clock start of the slot.
func (s RateSlot) StartTime() ClockTime {
	return ClockOf(s.Start)
}

// EndTime returns the wall-clock end of the slot.
func (s RateSlot) EndTime() ClockTime {
	return ClockOf(s.End)
}

// Duration returns the width of the slot.
func (s RateSlot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Contains reports whether t is in [Start, End).
func (s RateSlot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// RateSet is an immutable, start-ordered snapshot of rate slots. Methods never
// modify the receiver; anything returning a RateSet returns a new one.
type RateSet struct {
	slots []RateSlot
}

// NewRateSet copies and sorts slots into a RateSet.
func NewRateSet(slots []RateSlot) RateSet {
	cp := make([]RateSlot, len(slots))
	copy(cp, slots)
	sort.SliceStable(cp, func(i, j int) bool {
		return cp[i].Start.Before(cp[j].Start)
	})
	return RateSet{slots: cp}
}

// Len returns the number of slots.
func (r RateSet) Len() int {
	return len(r.slots)
}

// Slots returns a copy of the slots in start order.
func (r RateSet) Slots() []RateSlot {
	cp := make([]RateSlot, len(r.slots))
	copy(cp, r.slots)
	return cp
}

// At returns the slot at index i.
func (r RateSet) At(i int) RateSlot {
	return r.slots[i]
}

// Between returns the slots starting in [from, to).
func (r RateSet) Between(from, to time.Time) RateSet {
	var out []RateSlot
	for _, s := range r.slots {
		if !s.Start.Before(from) && s.Start.Before(to) {
			out = append(out, s)
		}
	}
	return RateSet{slots: out}
}

// Current returns the slot containing now.
func (r RateSet) Current(now time.Time) (RateSlot, bool) {
	for _, s := range r.slots {
		if s.Contains(now) {
			return s, true
		}
	}
	return RateSlot{}, false
}

// After returns the slots that start after now.
func (r RateSet) After(now time.Time) RateSet {
	var out []RateSlot
	for _, s := range r.slots {
		if s.Start.After(now) {
			out = append(out, s)
		}
	}
	return RateSet{slots: out}
}

// Equal reports whether both sets hold identical slots in the same order.
func (r RateSet) Equal(o RateSet) bool {
	if len(r.slots) != len(o.slots) {
		return false
	}
	for i := range r.slots {
		a, b := r.slots[i], o.slots[i]
		if a.Cost != b.Cost || a.Date != b.Date || !a.Start.Equal(b.Start) || !a.End.Equal(b.End) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a plain array.
func (r RateSet) MarshalJSON() ([]byte, error) {
	if r.slots == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.slots)
}

// UnmarshalJSON decodes a plain array of slots.
func (r *RateSet) UnmarshalJSON(b []byte) error {
	var slots []RateSlot
	if err := json.Unmarshal(b, &slots); err != nil {
		return err
	}
	*r = NewRateSet(slots)
	return nil
}
