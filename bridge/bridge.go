package bridge

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Topic suffixes below the configured prefix.
const (
	TopicTelemetry = "telemetry"
	TopicEvents    = "events"
)

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Prefix   string
	Username string
	Password string
}

// Bridge mirrors telemetry and controller events to an MQTT broker.
type Bridge struct {
	client mqtt.Client
	prefix string
	log    *zap.Logger
}

// Dial connects to the broker in the background; paho retries and
// reconnects on its own.
func Dial(cfg Config, log *zap.Logger) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, errors.New("broker address required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	client.Connect()
	return New(client, cfg.Prefix, log), nil
}

// New wraps an existing client.
func New(client mqtt.Client, prefix string, log *zap.Logger) *Bridge {
	if prefix == "" {
		prefix = "pressctl"
	}
	return &Bridge{client: client, prefix: prefix, log: log}
}

func (b *Bridge) topic(suffix string) string { return b.prefix + "/" + suffix }

// Telemetry publishes one raw telemetry line. Samples are best-effort.
func (b *Bridge) Telemetry(line []byte) {
	b.client.Publish(b.topic(TopicTelemetry), 0, false, line)
}

// Event publishes v as JSON and waits briefly for the broker to accept it.
func (b *Bridge) Event(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	tok := b.client.Publish(b.topic(TopicEvents), 1, false, data)
	go func() {
		if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
			b.log.Warn("publish event", zap.Error(tok.Error()))
		}
	}()
	return nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() error {
	b.client.Disconnect(250)
	return nil
}
