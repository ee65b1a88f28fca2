package utility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/chargewindow/pkg/common"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

const (
	octopusProvider = "octopus"
	octopusMaxPages = 20
	octopusCacheTTL = 5 * time.Minute
)

// Tariff identifies the import tariff rates are fetched for.
type Tariff struct {
	Code    string `json:"code"`
	Product string `json:"product"`
}

// Octopus implements Provider for the Octopus Energy REST API. The import
// tariff is resolved from the account once and the half-hourly unit rates
// are cached per requested range for five minutes.
type Octopus struct {
	apiURL     string
	apiKey     string
	account    string
	tariffCode string
	client     *http.Client
	now        func() time.Time

	mu         sync.Mutex
	tariff     Tariff
	cacheStart time.Time
	cacheEnd   time.Time
	cacheTime  time.Time
	cached     []types.RawQuote
}

// configuredOctopus sets up flags for Octopus and returns the instance.
func configuredOctopus() *Octopus {
	o := &Octopus{
		client: common.NewAPIClient(30 * time.Second),
		now:    time.Now,
	}
	apiURL := lflag.String("octopus-api-url", "https://api.octopus.energy/v1", "Base URL of the Octopus Energy API")
	apiKey := lflag.String("octopus-api-key", "", "Octopus Energy API key")
	account := lflag.String("octopus-account", "", "Octopus Energy account number (A-XXXXXXXX)")
	tariff := lflag.String("octopus-tariff", "", "Import tariff code, skipping account lookup (e.g. E-1R-AGILE-FLEX-22-11-25-C)")

	lflag.Do(func() {
		o.apiURL = strings.TrimSuffix(*apiURL, "/")
		o.apiKey = *apiKey
		o.account = *account
		o.tariffCode = *tariff
	})

	return o
}

// Validate ensures the configuration is valid.
func (o *Octopus) Validate() error {
	if o.apiURL == "" {
		return errors.New("octopus-api-url is required")
	}
	if _, err := url.Parse(o.apiURL); err != nil {
		return fmt.Errorf("failed to parse octopus url (%s): %w", o.apiURL, err)
	}
	if o.tariffCode != "" {
		_, err := ProductCode(o.tariffCode)
		return err
	}
	if o.apiKey == "" || o.account == "" {
		return errors.New("octopus-api-key and octopus-account are required without octopus-tariff")
	}
	return nil
}

// ProductCode derives the product from a tariff code by dropping the fuel and
// register prefix and the region suffix.
func ProductCode(tariffCode string) (string, error) {
	parts := strings.Split(tariffCode, "-")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid tariff code: %q", tariffCode)
	}
	return strings.Join(parts[2:len(parts)-1], "-"), nil
}

type octopusAccount struct {
	Properties []struct {
		ElectricityMeterPoints []struct {
			IsExport   bool `json:"is_export"`
			Agreements []struct {
				TariffCode string     `json:"tariff_code"`
				ValidFrom  *time.Time `json:"valid_from"`
				ValidTo    *time.Time `json:"valid_to"`
			} `json:"agreements"`
		} `json:"electricity_meter_points"`
	} `json:"properties"`
}

type octopusRates struct {
	Next    *string `json:"next"`
	Results []struct {
		ValueIncVAT *json.Number `json:"value_inc_vat"`
		ValidFrom   *time.Time   `json:"valid_from"`
		ValidTo     *time.Time   `json:"valid_to"`
	} `json:"results"`
}

func (o *Octopus) get(ctx context.Context, u string, auth bool, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if auth {
		req.SetBasicAuth(o.apiKey, "")
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching from octopus", slog.String("url", u))

	resp, err := o.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch from octopus", slog.Any("error", err))
		return fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("octopus api returned status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode octopus response", slog.Any("error", err))
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ResolveTariff returns the account's current import tariff. Export meter
// points and agreements that have ended are skipped.
func (o *Octopus) ResolveTariff(ctx context.Context) (Tariff, error) {
	o.mu.Lock()
	if o.tariff.Code != "" {
		t := o.tariff
		o.mu.Unlock()
		return t, nil
	}
	o.mu.Unlock()

	code := o.tariffCode
	if code == "" {
		var account octopusAccount
		if err := o.get(ctx, fmt.Sprintf("%s/accounts/%s/", o.apiURL, url.PathEscape(o.account)), true, &account); err != nil {
			return Tariff{}, err
		}
		now := o.now()
	search:
		for _, p := range account.Properties {
			for _, mp := range p.ElectricityMeterPoints {
				if mp.IsExport {
					continue
				}
				for _, a := range mp.Agreements {
					if a.ValidTo == nil || a.ValidTo.After(now) {
						code = a.TariffCode
						break search
					}
				}
			}
		}
		if code == "" {
			return Tariff{}, ErrNoActiveTariff
		}
	}

	product, err := ProductCode(code)
	if err != nil {
		return Tariff{}, err
	}
	t := Tariff{Code: code, Product: product}
	log.Ctx(ctx).InfoContext(ctx, "resolved octopus tariff", slog.String("tariff", t.Code), slog.String("product", t.Product))

	o.mu.Lock()
	o.tariff = t
	o.mu.Unlock()
	return t, nil
}

// GetQuotes returns the unit rates valid within [start, end).
func (o *Octopus) GetQuotes(ctx context.Context, start, end time.Time) ([]types.RawQuote, error) {
	now := o.now()

	o.mu.Lock()
	if o.cacheStart.Equal(start) && o.cacheEnd.Equal(end) && now.Sub(o.cacheTime) < octopusCacheTTL {
		quotes := o.cached
		o.mu.Unlock()
		return quotes, nil
	}
	o.mu.Unlock()

	tariff, err := o.ResolveTariff(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("period_from", start.UTC().Format(time.RFC3339))
	params.Set("period_to", end.UTC().Format(time.RFC3339))
	next := fmt.Sprintf(
		"%s/products/%s/electricity-tariffs/%s/standard-unit-rates/?%s",
		o.apiURL,
		url.PathEscape(tariff.Product),
		url.PathEscape(tariff.Code),
		params.Encode(),
	)

	var quotes []types.RawQuote
	for page := 0; next != ""; page++ {
		if page == octopusMaxPages {
			return nil, fmt.Errorf("octopus rates exceeded %d pages", octopusMaxPages)
		}
		var rates octopusRates
		if err := o.get(ctx, next, false, &rates); err != nil {
			return nil, err
		}
		for _, r := range rates.Results {
			q := types.RawQuote{Provider: octopusProvider}
			if r.ValueIncVAT != nil {
				s := r.ValueIncVAT.String()
				q.Cost = &s
			}
			// open ended rates keep a zero ValidTo and are dropped by the
			// normalizer
			if r.ValidFrom != nil {
				q.ValidFrom = *r.ValidFrom
			}
			if r.ValidTo != nil {
				q.ValidTo = *r.ValidTo
			}
			quotes = append(quotes, q)
		}
		next = ""
		if rates.Next != nil {
			next = *rates.Next
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched octopus rates",
		slog.Int("count", len(quotes)),
		slog.Time("start", start),
		slog.Time("end", end),
	)

	o.mu.Lock()
	o.cacheStart = start
	o.cacheEnd = end
	o.cacheTime = now
	o.cached = quotes
	o.mu.Unlock()

	return quotes, nil
}
