package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/balarajuyogesh/hawkeye/internal/config"
)

// mqttSender publishes transition payloads to an MQTT topic. The client
// auto-reconnects; a publish while disconnected is a retriable delivery
// error handled by the dispatcher's retry policy.
type mqttSender struct {
	client mqtt.Client
	broker string
	topic  string
	qos    byte
}

func newMQTTSender(t config.Target) (*mqttSender, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", t.Broker))
	opts.SetClientID(fmt.Sprintf("hawkeye-%d", time.Now().UnixNano()))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("dispatch: mqtt connection lost, will auto-reconnect",
			"broker", t.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout (broker %s)", t.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &mqttSender{client: client, broker: t.Broker, topic: t.Topic, qos: t.QoS}, nil
}

func (s *mqttSender) Send(ctx context.Context, payload []byte) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := s.client.Publish(s.topic, s.qos, false, payload)

	deadline, ok := ctx.Deadline()
	wait := 2 * time.Second
	if ok {
		wait = time.Until(deadline)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (s *mqttSender) Describe() string {
	return fmt.Sprintf("mqtt %s topic=%s", s.broker, s.topic)
}

func (s *mqttSender) Close() error {
	s.client.Disconnect(250)
	return nil
}
