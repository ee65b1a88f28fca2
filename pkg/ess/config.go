package ess

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the battery system based on flags.
func Configured() System {
	provider := lflag.String("ess-provider", "mqtt", "Battery system to control (available: mqtt, mock, none)")

	broker := lflag.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	clientID := lflag.String("mqtt-client-id", "", "MQTT client ID (random when empty)")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	baseTopic := lflag.String("mqtt-base-topic", "chargewindow", "Base topic of the battery bridge")
	socTopic := lflag.String("mqtt-soc-topic", "", "Topic carrying the battery state of charge (defaults to <base>/sensor/battery_soc/state)")
	timeout := lflag.Duration("mqtt-timeout", 10*time.Second, "Timeout for MQTT operations")

	var mockSOC float64
	lflag.JSON(&mockSOC, "mock-soc", 50.0, "Initial state of charge of the mock battery (negative for unknown)")

	var p struct{ System }

	lflag.Do(func() {
		switch *provider {
		case "mqtt":
			cfg := MQTTConfig{
				Broker:    *broker,
				ClientID:  *clientID,
				Username:  *username,
				Password:  *password,
				BaseTopic: *baseTopic,
				SOCTopic:  *socTopic,
				Timeout:   *timeout,
			}
			if err := cfg.Validate(); err != nil {
				panic(fmt.Sprintf("mqtt validation failed: %v", err))
			}
			p.System = NewMQTT(cfg)
		case "mock":
			p.System = NewMock(10, mockDefaultKW, mockSOC, time.Local)
		case "none":
			p.System = unconfigured{}
		default:
			panic(fmt.Sprintf("unknown ess provider: %s", *provider))
		}
	})

	return &p
}
