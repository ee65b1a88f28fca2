package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/segmentio/kafka-go"

	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

const kafkaQueueSize = 256

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka streams events to a topic keyed by event type. Events are queued and
// written by Run so callers never wait on the broker; when the queue is full
// new events are dropped.
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
	queue   chan kafka.Message

	closeOnce sync.Once
}

// NewKafka returns a Kafka sink writing through w.
func NewKafka(w messageWriter, timeout time.Duration) *Kafka {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Kafka{
		writer:  w,
		timeout: timeout,
		queue:   make(chan kafka.Message, kafkaQueueSize),
	}
}

// ConfiguredKafka registers the Kafka flags. The returned sink stays disabled
// (and every method a no-op) unless brokers are configured.
func ConfiguredKafka() *Kafka {
	k := &Kafka{}
	brokers := lflag.String("kafka-brokers", "", "Comma separated Kafka brokers for plan and status events (disabled when empty)")
	topic := lflag.String("kafka-topic", "chargewindow.events", "Kafka topic for plan and status events")
	timeout := lflag.Duration("kafka-timeout", 10*time.Second, "Timeout for each Kafka write")

	lflag.Do(func() {
		if *brokers == "" {
			return
		}
		if strings.TrimSpace(*topic) == "" {
			panic("kafka-topic must not be empty")
		}
		var addrs []string
		for _, b := range strings.Split(*brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				addrs = append(addrs, b)
			}
		}
		k.writer = &kafka.Writer{
			Addr:                   kafka.TCP(addrs...),
			Topic:                  *topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
		k.timeout = *timeout
		k.queue = make(chan kafka.Message, kafkaQueueSize)
	})

	return k
}

// Enabled reports whether events are sent anywhere.
func (k *Kafka) Enabled() bool {
	return k != nil && k.writer != nil
}

func (k *Kafka) enqueue(ctx context.Context, ev Event) {
	if !k.Enabled() {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode event", slog.Any("error", err))
		return
	}
	msg := kafka.Message{Key: []byte(ev.Type), Value: b, Time: ev.Time}
	select {
	case k.queue <- msg:
	default:
		log.Ctx(ctx).WarnContext(ctx, "kafka queue full, dropping event", slog.String("type", ev.Type))
	}
}

func (k *Kafka) PlanChanged(ctx context.Context, plan types.ChargePlan) {
	k.enqueue(ctx, NewEvent(TypePlan, plan))
}

func (k *Kafka) StatusChanged(ctx context.Context, state types.ControllerState) {
	k.enqueue(ctx, NewEvent(TypeStatus, state))
}

// Run writes queued events until ctx is done. Failed writes are logged and
// not retried.
func (k *Kafka) Run(ctx context.Context) error {
	if !k.Enabled() {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-k.queue:
			if err := k.write(ctx, msg); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to write kafka event", slog.String("key", string(msg.Key)), slog.Any("error", err))
			}
		}
	}
}

func (k *Kafka) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close closes the writer.
func (k *Kafka) Close() error {
	if !k.Enabled() {
		return nil
	}
	var err error
	k.closeOnce.Do(func() {
		err = k.writer.Close()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
