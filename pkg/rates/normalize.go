package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrMalformedQuote is wrapped by every reason a raw quote is rejected.
var ErrMalformedQuote = errors.New("malformed quote")

// costPlaces is the precision costs are rounded to so that normalizing the
// same input twice yields identical floats.
const costPlaces = 4

// Normalize converts raw quotes into a RateSet in loc. Malformed quotes are
// logged and dropped; they never fail the batch. When two quotes share a
// start the later one in the input wins.
func Normalize(ctx context.Context, quotes []types.RawQuote, loc *time.Location) types.RateSet {
	if loc == nil {
		loc = time.Local
	}
	byStart := make(map[int64]types.RateSlot, len(quotes))
	for i, q := range quotes {
		slot, err := normalizeQuote(q, loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"dropping malformed quote",
				slog.Int("index", i),
				slog.String("provider", q.Provider),
				slog.Time("validFrom", q.ValidFrom),
				slog.Time("validTo", q.ValidTo),
				slog.Any("error", err),
			)
			continue
		}
		byStart[slot.Start.UnixNano()] = slot
	}

	slots := make([]types.RateSlot, 0, len(byStart))
	for _, s := range byStart {
		slots = append(slots, s)
	}
	set := types.NewRateSet(slots)
	log.Ctx(ctx).DebugContext(
		ctx,
		"normalized quotes",
		slog.Int("quotes", len(quotes)),
		slog.Int("slots", set.Len()),
	)
	return set
}

func normalizeQuote(q types.RawQuote, loc *time.Location) (types.RateSlot, error) {
	if q.Cost == nil {
		return types.RateSlot{}, fmt.Errorf("%w: missing cost", ErrMalformedQuote)
	}
	cost, err := ParseCost(*q.Cost)
	if err != nil {
		return types.RateSlot{}, err
	}
	if q.ValidFrom.IsZero() || q.ValidTo.IsZero() {
		return types.RateSlot{}, fmt.Errorf("%w: missing validity", ErrMalformedQuote)
	}
	if !q.ValidFrom.Before(q.ValidTo) {
		return types.RateSlot{}, fmt.Errorf("%w: start %s is not before end %s", ErrMalformedQuote, q.ValidFrom, q.ValidTo)
	}
	start := q.ValidFrom.In(loc)
	return types.RateSlot{
		Cost:  cost,
		Date:  start.Format(types.DateLayout),
		Start: start,
		End:   q.ValidTo.In(loc),
	}, nil
}

// ParseCost parses a minor unit cost such as "15.23", "15.23p" or " 7 p ".
func ParseCost(s string) (float64, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimSuffix(v, "p")
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: empty cost", ErrMalformedQuote)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, fmt.Errorf("%w: cost %q is not numeric: %v", ErrMalformedQuote, s, err)
	}
	return d.Round(costPlaces).InexactFloat64(), nil
}

// FormatCost returns the canonical text for a cost so it can be fed back
// through ParseCost without changing its value.
func FormatCost(cost float64) string {
	return decimal.NewFromFloat(cost).Round(costPlaces).String()
}

// Quotes converts a RateSet back into raw quotes.
func Quotes(set types.RateSet) []types.RawQuote {
	out := make([]types.RawQuote, 0, set.Len())
	for _, s := range set.Slots() {
		cost := FormatCost(s.Cost)
		out = append(out, types.RawQuote{
			Cost:      &cost,
			ValidFrom: s.Start,
			ValidTo:   s.End,
		})
	}
	return out
}

// DisplayCost formats a cost the way plan attributes show it ("12.50p").
func DisplayCost(cost float64) string {
	return decimal.NewFromFloat(cost).StringFixed(2) + "p"
}
