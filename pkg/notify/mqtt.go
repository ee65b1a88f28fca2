package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

// Publisher publishes a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Topic(parts ...string) string
}

// MQTT publishes the plan and controller status as retained state topics
// next to the battery bridge:
//
//	<base>/plan/state            slot count
//	<base>/plan/attributes       {"required_slots","total_cost","slot_times"}
//	<base>/status/state          status message
//	<base>/status/attributes     controller state JSON
type MQTT struct {
	pub      Publisher
	location *time.Location
}

// NewMQTT returns an MQTT sink. Slot times are formatted in loc.
func NewMQTT(pub Publisher, loc *time.Location) *MQTT {
	if loc == nil {
		loc = time.Local
	}
	return &MQTT{pub: pub, location: loc}
}

func (m *MQTT) publish(ctx context.Context, topic string, payload []byte) {
	if err := m.pub.Publish(ctx, topic, payload, true); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish state", slog.String("topic", topic), slog.Any("error", err))
	}
}

func (m *MQTT) publishJSON(ctx context.Context, topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode state", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	m.publish(ctx, topic, b)
}

func (m *MQTT) PlanChanged(ctx context.Context, plan types.ChargePlan) {
	m.publish(ctx, m.pub.Topic("plan", "state"), []byte(strconv.Itoa(plan.SlotCount)))
	m.publishJSON(ctx, m.pub.Topic("plan", "attributes"), plan.Attributes(m.location))
}

func (m *MQTT) StatusChanged(ctx context.Context, state types.ControllerState) {
	m.publish(ctx, m.pub.Topic("status", "state"), []byte(state.StatusMessage))
	m.publishJSON(ctx, m.pub.Topic("status", "attributes"), state)
}
