package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var testPlan = types.ChargePlan{
	State:         types.PlanReady,
	Period:        "overnight",
	RequiredSlots: 6,
	SlotCount:     2,
	TotalCost:     6,
	SlotStarts: []time.Time{
		time.Date(2024, 3, 2, 0, 30, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC),
	},
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) PlanChanged(ctx context.Context, plan types.ChargePlan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, TypePlan)
}

func (r *recorder) StatusChanged(ctx context.Context, state types.ControllerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, TypeStatus)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, nil, b}
	m.PlanChanged(context.Background(), testPlan)
	m.StatusChanged(context.Background(), types.ControllerState{})
	assert.Equal(t, []string{TypePlan, TypeStatus}, a.events)
	assert.Equal(t, []string{TypePlan, TypeStatus}, b.events)
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(TypePlan, testPlan)
	_, err := uuid.Parse(ev.ID)
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, NewEvent(TypePlan, testPlan).ID)
	assert.Equal(t, TypePlan, ev.Type)
	assert.False(t, ev.Time.IsZero())
}

func TestHub(t *testing.T) {
	hub := NewHub(func() []Event {
		return []Event{NewEvent(TypePlan, testPlan)}
	})
	ts := httptest.NewServer(hub)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]json.RawMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, b, err := conn.ReadMessage()
		require.NoError(t, err)
		var env map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(b, &env))
		return env
	}

	// snapshot first
	env := read()
	assert.JSONEq(t, `"plan"`, string(env["type"]))
	var plan types.ChargePlan
	require.NoError(t, json.Unmarshal(env["payload"], &plan))
	assert.True(t, plan.SameSlots(testPlan))

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.StatusChanged(context.Background(), types.ControllerState{Phase: types.PhaseProcessing, StatusMessage: "Charging"})
	env = read()
	assert.JSONEq(t, `"status"`, string(env["type"]))
	var state types.ControllerState
	require.NoError(t, json.Unmarshal(env["payload"], &state))
	assert.Equal(t, types.PhaseProcessing, state.Phase)
	assert.Equal(t, "Charging", state.StatusMessage)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	// no observers is fine
	hub.PlanChanged(context.Background(), testPlan)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestKafka(t *testing.T) {
	t.Run("writes events keyed by type", func(t *testing.T) {
		w := &fakeWriter{}
		k := NewKafka(w, time.Second)
		require.True(t, k.Enabled())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = k.Run(ctx)
		}()

		k.PlanChanged(ctx, testPlan)
		k.StatusChanged(ctx, types.ControllerState{Phase: types.PhaseDisabled})

		assert.Eventually(t, func() bool { return len(w.messages()) == 2 }, time.Second, 5*time.Millisecond)
		msgs := w.messages()
		assert.Equal(t, "plan", string(msgs[0].Key))
		assert.Equal(t, "status", string(msgs[1].Key))

		var ev Event
		require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
		assert.Equal(t, TypePlan, ev.Type)
		assert.NotEmpty(t, ev.ID)

		cancel()
		<-done
		require.NoError(t, k.Close())
		assert.True(t, w.closed)
	})

	t.Run("write failures are dropped", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("broker down")}
		k := NewKafka(w, time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = k.Run(ctx) }()

		k.PlanChanged(ctx, testPlan)
		assert.Eventually(t, func() bool { return len(k.queue) == 0 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, w.messages())
	})

	t.Run("full queue drops", func(t *testing.T) {
		k := NewKafka(&fakeWriter{}, time.Second)
		for i := 0; i < kafkaQueueSize+10; i++ {
			k.StatusChanged(context.Background(), types.ControllerState{})
		}
		assert.Len(t, k.queue, kafkaQueueSize)
	})

	t.Run("disabled", func(t *testing.T) {
		k := &Kafka{}
		assert.False(t, k.Enabled())
		k.PlanChanged(context.Background(), testPlan)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, k.Run(ctx))
		assert.NoError(t, k.Close())
	})
}

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (p *fakePublisher) Topic(parts ...string) string {
	return "chargewindow/" + strings.Join(parts, "/")
}

func TestMQTT(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMQTT(pub, time.UTC)
	ctx := context.Background()

	m.PlanChanged(ctx, testPlan)
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, published{topic: "chargewindow/plan/state", payload: "2", retained: true}, pub.msgs[0])
	assert.Equal(t, "chargewindow/plan/attributes", pub.msgs[1].topic)
	assert.JSONEq(t, `{"required_slots":6,"total_cost":"6.00p","slot_times":["00:30","01:00"]}`, pub.msgs[1].payload)

	m.StatusChanged(ctx, types.ControllerState{Phase: types.PhaseWaitingForPlan, StatusMessage: "Waiting for charge plan"})
	require.Len(t, pub.msgs, 4)
	assert.Equal(t, published{topic: "chargewindow/status/state", payload: "Waiting for charge plan", retained: true}, pub.msgs[2])
	assert.Contains(t, pub.msgs[3].payload, `"phase":"waiting_for_plan"`)

	pub.err = errors.New("not connected")
	m.PlanChanged(ctx, testPlan)
	assert.Len(t, pub.msgs, 4)
}
