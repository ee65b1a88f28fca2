package server

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/engine"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/planner"
	"github.com/raterudder/chargewindow/pkg/rates"
	"github.com/raterudder/chargewindow/pkg/storage"
	"github.com/raterudder/chargewindow/pkg/types"
	"github.com/raterudder/chargewindow/pkg/utility"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func newTestServer(t *testing.T) (*Server, *storage.Memory) {
	t.Helper()
	db := storage.NewMemory()
	builder := planner.NewBuilder(planner.DefaultPeriods, time.UTC)
	provider := utility.NewStatic(nil, "10", 30*time.Minute, time.UTC)
	e := engine.New(engine.Config{CapacityKWh: 10, ChargeRateW: 2000}, builder, provider, db)
	cfg := controller.Config{SlotDuration: builder.SlotDuration(), Location: time.UTC}
	c := controller.New(cfg, nil, nil)
	srv := New(e, c, cfg, db, nil)
	return srv, db
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.serverName = "rev-1"
	w := do(t, srv.setupHandler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "rev-1", w.Header().Get("Server"))
}

func TestAPI(t *testing.T) {
	ctx := t.Context()

	t.Run("status", func(t *testing.T) {
		srv, _ := newTestServer(t)
		require.NoError(t, srv.engine.RefreshRates(ctx))
		w := do(t, srv.setupHandler(), http.MethodGet, "/api/status", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

		var resp statusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, types.PhaseDisabled, resp.Controller.Phase)
		assert.False(t, resp.Settings.Enabled)
		assert.Equal(t, types.DefaultTargetSOC, resp.Settings.TargetSOC)
		assert.Equal(t, 10.0, resp.Requirement.CapacityKWh)
		assert.Equal(t, 96, resp.RateSlots)
		assert.False(t, resp.RatesUpdatedAt.IsZero())
		require.NotNil(t, resp.CurrentRate)
		assert.Equal(t, 10.0, resp.CurrentRate.Cost)
	})

	t.Run("gzip", func(t *testing.T) {
		srv, _ := newTestServer(t)
		require.NoError(t, srv.engine.RefreshRates(ctx))
		req := httptest.NewRequest(http.MethodGet, "/api/rates", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

		gr, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		var resp struct {
			Slots types.RateSet `json:"slots"`
		}
		require.NoError(t, json.NewDecoder(gr).Decode(&resp))
		assert.Equal(t, 96, resp.Slots.Len())
	})

	t.Run("plan", func(t *testing.T) {
		srv, _ := newTestServer(t)
		w := do(t, srv.setupHandler(), http.MethodGet, "/api/plan", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp planResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Empty(t, resp.Windows)
		assert.Empty(t, resp.Writes)
		assert.Contains(t, w.Body.String(), `"windows":[]`)
	})

	t.Run("rates views", func(t *testing.T) {
		srv, _ := newTestServer(t)
		require.NoError(t, srv.engine.RefreshRates(ctx))
		h := srv.setupHandler()

		w := do(t, h, http.MethodGet, "/api/rates", "")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			View  string        `json:"view"`
			Slots types.RateSet `json:"slots"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, rates.ViewAll, resp.View)
		assert.Equal(t, 96, resp.Slots.Len())

		w = do(t, h, http.MethodGet, "/api/rates?view="+rates.ViewCurrent, "")
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Slots.Len())

		w = do(t, h, http.MethodGet, "/api/rates?view=bogus", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), rates.ViewRemaining)
	})

	t.Run("control", func(t *testing.T) {
		srv, db := newTestServer(t)
		h := srv.setupHandler()

		w := do(t, h, http.MethodPost, "/api/control", `{"enabled":true}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, srv.engine.Settings().Enabled)
		settings, version, err := db.GetControlSettings(ctx)
		require.NoError(t, err)
		assert.True(t, settings.Enabled)
		assert.Equal(t, 1, version)

		w = do(t, h, http.MethodPost, "/api/control", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = do(t, h, http.MethodPost, "/api/control", `not json`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = do(t, h, http.MethodGet, "/api/control", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("target", func(t *testing.T) {
		srv, _ := newTestServer(t)
		h := srv.setupHandler()

		w := do(t, h, http.MethodPost, "/api/target", `{"target":80}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 80.0, srv.engine.Settings().TargetSOC)

		w = do(t, h, http.MethodPost, "/api/target", `{"target":150}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = do(t, h, http.MethodPost, "/api/target", `{"target":50.5}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, 80.0, srv.engine.Settings().TargetSOC)
	})

	t.Run("soc", func(t *testing.T) {
		srv, _ := newTestServer(t)
		h := srv.setupHandler()

		w := do(t, h, http.MethodPost, "/api/soc", `{"soc":40}`)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Recomputed bool `json:"recomputed"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Recomputed)
		assert.True(t, srv.engine.Requirement().SOCKnown)

		w = do(t, h, http.MethodPost, "/api/soc", `{"soc":41}`)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Recomputed)

		w = do(t, h, http.MethodPost, "/api/soc", `{"soc":101}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("recompute with refresh", func(t *testing.T) {
		srv, db := newTestServer(t)
		h := srv.setupHandler()

		w := do(t, h, http.MethodPost, "/api/recompute?refresh=true", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 96, srv.engine.Store().Load().Len())
		_, err := db.GetLatestPlan(ctx)
		assert.NoError(t, err)
	})
}
