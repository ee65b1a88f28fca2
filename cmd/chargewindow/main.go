package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/engine"
	"github.com/raterudder/chargewindow/pkg/ess"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/notify"
	"github.com/raterudder/chargewindow/pkg/planner"
	"github.com/raterudder/chargewindow/pkg/schedule"
	"github.com/raterudder/chargewindow/pkg/server"
	"github.com/raterudder/chargewindow/pkg/storage"
	"github.com/raterudder/chargewindow/pkg/types"
	"github.com/raterudder/chargewindow/pkg/utility"
)

func main() {
	// .env is optional, flags still read the real environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Errorf("failed to load .env: %w", err))
	}

	logFormat := lflag.String("log-format", "json", "Log output format (available: json, console)")

	// init packages
	builder := planner.Configured()
	engineCfg := engine.Configured()
	controlCfg := controller.Configured()
	scheduleCfg := schedule.Configured()
	u := utility.Configured()
	e := ess.Configured()
	s := storage.Configured()
	kafkaSink := notify.ConfiguredKafka()
	srv := server.Configured()

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	handler, err := log.NewHandler(os.Stdout, *logFormat, level)
	if err != nil {
		panic(err)
	}
	log.SetDefault(handler)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	controlCfg.SlotDuration = builder.SlotDuration()
	controlCfg.Location = builder.Location
	scheduleCfg.Location = builder.Location

	signals := controller.NewSignals()
	var eng *engine.Engine
	var ctrl *controller.Controller

	hub := notify.NewHub(func() []notify.Event {
		return []notify.Event{
			notify.NewEvent(notify.TypePlan, eng.Board().Current()),
			notify.NewEvent(notify.TypeStatus, ctrl.State()),
		}
	})
	sinks := notify.Multi{hub}
	if kafkaSink.Enabled() {
		sinks = append(sinks, kafkaSink)
	}
	if bridge, ok := ess.AsMQTT(e); ok {
		sinks = append(sinks, notify.NewMQTT(bridge, builder.Location))
	}

	ctrl = controller.New(
		*controlCfg,
		signals,
		e,
		controller.WithRecorder(s),
		controller.WithNotifier(sinks),
		controller.WithPlanSource(func() types.ChargePlan { return eng.Board().Current() }),
	)
	eng = engine.New(
		*engineCfg,
		builder,
		u,
		s,
		engine.WithNotifier(sinks),
		engine.WithToggler(ctrl),
	)
	srv.Attach(eng, ctrl, *controlCfg, s, hub)

	plans, unsubscribe := eng.Board().Subscribe()
	defer unsubscribe()

	e.Subscribe(eng.Handlers(ctx, signals))
	if err := e.Start(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start battery system", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to close battery system", slog.Any("error", err))
		}
	}()

	settings, err := eng.LoadSettings(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "using default control settings", slog.Any("error", err))
	}
	if err := eng.SyncBattery(ctx, e); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read battery", slog.Any("error", err))
	}

	sched := schedule.New(*scheduleCfg, eng, func() bool { return eng.Settings().Enabled })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		ctrl.Follow(gctx, plans)
		return nil
	})
	g.Go(func() error { return eng.Run(gctx, signals) })
	g.Go(func() error { return kafkaSink.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := sched.Start(gctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start scheduler", slog.Any("error", err))
		cancel()
	}
	if settings.Enabled {
		if err := eng.SetEnabled(gctx, true); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to restore charge control", slog.Any("error", err))
		}
	}

	err = g.Wait()
	sched.Stop(context.Background())
	if err := kafkaSink.Close(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to close kafka writer", slog.Any("error", err))
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "chargewindow failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "chargewindow exited cleanly")
}
