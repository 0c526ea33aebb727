package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

const publishTimeout = 5 * time.Second

// publisher is the part of mqtt.Client the Publisher needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher announces provisioning status changes on
// <prefix>/<compact mac>/status. A nil *Publisher drops everything.
type Publisher struct {
	client publisher
	conn   mqtt.Client
	prefix string
	log    zerolog.Logger
}

type Config struct {
	Broker   string
	ClientID string
	Prefix   string
}

// Connect dials the broker. Reconnects are left to paho.
func Connect(cfg Config, log zerolog.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is not configured")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(strings.TrimSuffix(cfg.Prefix, "/")+"/portal/status", `{"status":"offline"}`, 1, true)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		// ConnectRetry keeps trying in the background
		log.Warn().Str("broker", cfg.Broker).Msg("mqtt broker not reachable yet")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	p := newPublisher(client, cfg.Prefix, log)
	p.conn = client
	return p, nil
}

func newPublisher(client publisher, prefix string, log zerolog.Logger) *Publisher {
	return &Publisher{client: client, prefix: strings.TrimSuffix(prefix, "/"), log: log}
}

// Topic returns the status topic for mac.
func (p *Publisher) Topic(mac string) string {
	return fmt.Sprintf("%s/%s/status", p.prefix, model.CompactMAC(mac))
}

// Publish sends v as JSON with QoS 1.
func (p *Publisher) Publish(mac string, v any) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	token := p.client.Publish(p.Topic(mac), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish failed: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Disconnect(250)
}
