package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/planner"
	"github.com/raterudder/chargewindow/pkg/rates"
	"github.com/raterudder/chargewindow/pkg/schedule"
	"github.com/raterudder/chargewindow/pkg/storage"
	"github.com/raterudder/chargewindow/pkg/types"
)

// mockQuotes returns half-hourly quotes for today and tomorrow shaped like an
// agile tariff: cheap overnight, cheaper mid afternoon and a 16:00-19:00 peak.
func mockQuotes(rng *rand.Rand, midnight time.Time) []types.RawQuote {
	var quotes []types.RawQuote
	for t := midnight; t.Before(midnight.AddDate(0, 0, 2)); t = t.Add(30 * time.Minute) {
		hour := t.Hour()
		base := 22.0
		switch {
		case hour < 6:
			base = 9
		case hour >= 12 && hour < 16:
			base = 14
		case hour >= 16 && hour < 19:
			base = 38
		case hour >= 22:
			base = 16
		}
		// jitter
		cost := rates.FormatCost(base + rng.Float64()*6 - 3)
		quotes = append(quotes, types.RawQuote{
			Provider:  "seed",
			Cost:      &cost,
			ValidFrom: t,
			ValidTo:   t.Add(30 * time.Minute),
		})
	}
	return quotes
}

func loadQuotes(path string) ([]types.RawQuote, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quotes: %w", err)
	}
	var quotes []types.RawQuote
	if err := json.Unmarshal(b, &quotes); err != nil {
		return nil, fmt.Errorf("failed to decode quotes: %w", err)
	}
	return quotes, nil
}

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	quotesPath := lflag.String("quotes-file", "", "JSON list of {cost,validFrom,validTo} quotes to seed (random agile-like prices when empty)")
	b := planner.Configured()
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	now := time.Now().In(b.Location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, b.Location)

	var quotes []types.RawQuote
	if *quotesPath != "" {
		var err error
		if quotes, err = loadQuotes(*quotesPath); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to load quotes", "error", err)
			os.Exit(1)
		}
	} else {
		quotes = mockQuotes(rand.New(rand.NewSource(now.UnixNano())), midnight)
	}

	set := rates.Normalize(ctx, quotes, b.Location)
	if err := s.UpsertRates(ctx, set); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed rates", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded %d rate slots\n", set.Len())

	// replay the scheduled recomputes that already happened today
	cfg := controller.Config{SlotDuration: b.SlotDuration(), Location: b.Location}
	var lastApplied types.ChargeWindow
	soc := 35.0
	for _, at := range schedule.DefaultPlanTimes {
		planAt := at.On(midnight)
		if planAt.After(now) {
			break
		}
		req := types.ChargeRequirement{
			CapacityKWh:  10,
			CurrentSOC:   soc,
			TargetSOC:    types.DefaultTargetSOC,
			ChargeRateKW: 3,
			SOCKnown:     true,
		}
		plan := b.BuildPlan(req, b.RatesByPeriod(set, planAt), planAt)
		if err := s.InsertPlan(ctx, plan); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed plan", "error", err)
			os.Exit(1)
		}

		for _, w := range controller.Simulate(plan, cfg, lastApplied, planAt) {
			action := types.Action{
				Timestamp: w.At,
				Reason:    w.Reason,
				Window:    w.Window,
				Setting:   w.Setting,
			}
			if err := s.InsertAction(ctx, action); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed action", "error", err)
				os.Exit(1)
			}
			lastApplied = w.Window
		}

		attrs := plan.Attributes(b.Location)
		fmt.Printf("Seeded %s plan at %s: %s (slots: %v, cost: %s)\n",
			plan.Period, planAt.Format(time.Kitchen), plan.State, attrs.SlotTimes, attrs.TotalCost)
		soc += 20
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
