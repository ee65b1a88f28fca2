package rates

import (
	"sync/atomic"
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

type snapshot struct {
	set       types.RateSet
	updatedAt time.Time
}

// Store holds the latest RateSet. Readers get the snapshot that was current
// when they called Load; Replace swaps the whole set at once.
type Store struct {
	current atomic.Pointer[snapshot]
}

// NewStore returns an empty Store.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&snapshot{})
	return s
}

// Replace atomically installs set.
func (s *Store) Replace(set types.RateSet, at time.Time) {
	s.current.Store(&snapshot{set: set, updatedAt: at})
}

// Load returns the current set.
func (s *Store) Load() types.RateSet {
	return s.current.Load().set
}

// UpdatedAt returns when the current set was installed.
func (s *Store) UpdatedAt() time.Time {
	return s.current.Load().updatedAt
}
