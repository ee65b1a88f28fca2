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

// ErrNoActiveTariff is returned when the account has no current import
// agreement.
var ErrNoActiveTariff = errors.New("no active import tariff")

// Provider fetches raw tariff quotes.
type Provider interface {
	// GetQuotes returns the quotes whose validity overlaps [start, end).
	GetQuotes(ctx context.Context, start, end time.Time) ([]types.RawQuote, error)
}

// Configured sets up the tariff providers and returns a Map whose default is
// chosen by flag.
func Configured() *Map {
	provider := lflag.String("tariff-provider", "octopus", "Tariff provider to use (available: octopus, static)")

	m := NewMap()
	m.SetProvider("octopus", configuredOctopus())
	m.SetProvider("static", configuredStatic())

	lflag.Do(func() {
		p, err := m.Provider(*provider)
		if err != nil {
			panic(err.Error())
		}
		if v, ok := p.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				panic(fmt.Sprintf("%s validation failed: %v", *provider, err))
			}
		}
		m.mu.Lock()
		m.defaultName = *provider
		m.mu.Unlock()
	})
	return m
}

// Map manages multiple tariff providers.
type Map struct {
	mu          sync.Mutex
	providers   map[string]Provider
	defaultName string
}

// NewMap creates a new Map.
func NewMap() *Map {
	return &Map{
		providers: make(map[string]Provider),
	}
}

// Provider returns the provider for the given name.
func (m *Map) Provider(name string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prov, ok := m.providers[name]; ok {
		return prov, nil
	}
	return nil, fmt.Errorf("unknown tariff provider: %s", name)
}

// SetProvider sets the provider for the given name. The first provider set
// becomes the default until one is chosen.
func (m *Map) SetProvider(name string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = provider
	if m.defaultName == "" {
		m.defaultName = name
	}
}

// GetQuotes fetches from the default provider, so a Map is itself a Provider.
func (m *Map) GetQuotes(ctx context.Context, start, end time.Time) ([]types.RawQuote, error) {
	m.mu.Lock()
	name := m.defaultName
	m.mu.Unlock()

	p, err := m.Provider(name)
	if err != nil {
		return nil, err
	}
	return p.GetQuotes(ctx, start, end)
}
