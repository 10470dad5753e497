package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"tallysync/internal/config"
	"tallysync/internal/observability"
)

// MQTTFeed subscribes to one topic. Automatic reconnection is disabled in
// paho so Supervise decides when to dial again.
type MQTTFeed struct {
	cfg     config.MQTTConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewMQTTFeed(cfg config.MQTTConfig, logger *slog.Logger, metrics *observability.Metrics) *MQTTFeed {
	return &MQTTFeed{cfg: cfg, logger: logger, metrics: metrics}
}

func (f *MQTTFeed) Name() string { return "mqtt" }

func (f *MQTTFeed) clientOptions(lost chan<- error) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(f.cfg.BrokerURL).
		SetClientID(f.cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectTimeout(f.cfg.ConnectTimeout)
	if f.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(f.cfg.KeepAlive)
	}
	if f.cfg.Username != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})
	return opts
}

func (f *MQTTFeed) Run(ctx context.Context, handle Handler) error {
	timeout := f.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lost := make(chan error, 1)
	client := mqtt.NewClient(f.clientOptions(lost))

	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect %s: timed out after %s", f.cfg.BrokerURL, timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", f.cfg.BrokerURL, err)
	}
	defer client.Disconnect(250)

	sub := client.Subscribe(f.cfg.Topic, byte(f.cfg.QoS), func(_ mqtt.Client, m mqtt.Message) {
		handle(Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if !sub.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt subscribe %s: timed out", f.cfg.Topic)
	}
	if err := sub.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", f.cfg.Topic, err)
	}
	f.metrics.BrokerConnected(true)
	if f.logger != nil {
		f.logger.Info("mqtt subscribed", "broker", f.cfg.BrokerURL, "topic", f.cfg.Topic, "qos", f.cfg.QoS)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		if err == nil {
			err = errors.New("connection closed")
		}
		return fmt.Errorf("mqtt connection lost: %w", err)
	}
}
