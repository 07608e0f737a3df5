package publish

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Format   Format
	Timeout  time.Duration
}

type MQTTPublisher struct {
	client  mqtt.Client
	cfg     MQTTConfig
	timeout time.Duration
}

// NewMQTTPublisher connects to the broker. The client reconnects on its
// own after the first successful connection.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return &MQTTPublisher{client: client, cfg: cfg, timeout: cfg.Timeout}, nil
}

func (m *MQTTPublisher) Name() string { return "mqtt" }

func (m *MQTTPublisher) Publish(_ context.Context, p Point) error {
	body, err := Encode(p, m.cfg.Format)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, false, body)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt publish: timeout")
	}
	return token.Error()
}

func (m *MQTTPublisher) Close() error {
	m.client.Disconnect(250)
	return nil
}
