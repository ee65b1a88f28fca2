package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/raterudder/chargewindow/pkg/common"
	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/engine"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/rates"
	"github.com/raterudder/chargewindow/pkg/types"
)

type statusResponse struct {
	Version        string                  `json:"version"`
	Controller     types.ControllerState   `json:"controller"`
	Settings       types.ControlSettings   `json:"settings"`
	Requirement    types.ChargeRequirement `json:"requirement"`
	RequiredKWh    float64                 `json:"requiredKWh"`
	Plan           types.ChargePlan        `json:"plan"`
	RateSlots      int                     `json:"rateSlots"`
	RatesUpdatedAt time.Time               `json:"ratesUpdatedAt"`
	CurrentRate    *types.RateSlot         `json:"currentRate,omitempty"`
}

type planResponse struct {
	Plan       types.ChargePlan            `json:"plan"`
	Attributes types.PlanAttributes        `json:"attributes"`
	Windows    []types.ChargeWindow        `json:"windows"`
	Writes     []controller.ScheduledWrite `json:"writes"`
}

func (s *Server) planView(plan types.ChargePlan) planResponse {
	windows := controller.MergeWindows(plan.SlotStarts, s.engine.Builder().SlotDuration())
	if windows == nil {
		windows = []types.ChargeWindow{}
	}
	cfg := s.controlCfg
	cfg.SlotDuration = s.engine.Builder().SlotDuration()
	cfg.Location = s.engine.Location()
	writes := controller.Simulate(plan, cfg, s.controller.State().LastAppliedWindow, s.now())
	if writes == nil {
		writes = []controller.ScheduledWrite{}
	}
	return planResponse{
		Plan:       plan,
		Attributes: plan.Attributes(s.engine.Location()),
		Windows:    windows,
		Writes:     writes,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	req := s.engine.Requirement()
	store := s.engine.Store()
	resp := statusResponse{
		Version:        common.Version(),
		Controller:     s.controller.State(),
		Settings:       s.engine.Settings(),
		Requirement:    req,
		RequiredKWh:    req.RequiredKWh(),
		Plan:           s.engine.Board().Current(),
		RateSlots:      store.Load().Len(),
		RatesUpdatedAt: store.UpdatedAt(),
	}
	if slot, ok := store.Load().Current(s.now()); ok {
		resp.CurrentRate = &slot
	}
	writeJSON(w, resp)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.planView(s.engine.Board().Current()))
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("view")
	if view == "" {
		view = rates.ViewAll
	}
	if !slices.Contains(rates.ViewNames, view) {
		writeJSONError(w, "unknown view, expected one of "+strings.Join(rates.ViewNames, ", "), http.StatusBadRequest)
		return
	}
	set, err := rates.ByName(view, s.engine.Store().Load(), s.now().In(s.engine.Location()))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		View  string        `json:"view"`
		Slots types.RateSet `json:"slots"`
	}{View: view, Slots: set})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeJSONError(w, "enabled is required", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetEnabled(ctx, *body.Enabled); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to switch charge control", slog.Any("error", err))
		writeJSONError(w, "failed to switch charge control", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.engine.Settings())
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		Target *float64 `json:"target"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Target == nil {
		writeJSONError(w, "target is required", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetTarget(ctx, *body.Target); err != nil {
		if errors.Is(err, engine.ErrInvalidTarget) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to set target", slog.Any("error", err))
		writeJSONError(w, "failed to set target", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.planView(s.engine.Board().Current()))
}

func (s *Server) handleSOC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		SOC *float64 `json:"soc"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SOC == nil {
		writeJSONError(w, "soc is required", http.StatusBadRequest)
		return
	}
	recomputed, err := s.engine.SetSOC(ctx, *body.SOC)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		Recomputed bool `json:"recomputed"`
		planResponse
	}{Recomputed: recomputed, planResponse: s.planView(s.engine.Board().Current())})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.URL.Query().Get("refresh") == "true" {
		if err := s.engine.RefreshRates(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to refresh rates", slog.Any("error", err))
			writeJSONError(w, "failed to refresh rates: "+err.Error(), http.StatusBadGateway)
			return
		}
	}
	plan := s.engine.Recompute(ctx, engine.ReasonRequested)
	writeJSON(w, s.planView(plan))
}
