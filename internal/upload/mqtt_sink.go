package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string `yaml:"broker" toml:"broker" json:"broker"`
	Topic    string `yaml:"topic" toml:"topic" json:"topic"`
	ClientID string `yaml:"client_id" toml:"client_id" json:"clientId"`
	Retained bool   `yaml:"retained" toml:"retained" json:"retained"`
}

// mqttPayload is the JSON document published per job.
type mqttPayload struct {
	User        string `json:"user"`
	Value       int    `json:"value1"`
	SubmittedAt string `json:"submitted_at"`
}

// MQTTSink publishes each job to a broker topic at QoS 0.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	user    string
	retain  bool
	timeout time.Duration
	log     zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewMQTTSink creates the sink. The broker connection is opened on first
// Send so a missing broker does not block startup.
func NewMQTTSink(cfg MQTTConfig, user string, timeout time.Duration, log zerolog.Logger) *MQTTSink {
	if cfg.ClientID == "" {
		cfg.ClientID = "adcrelay"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if user == "" {
		user = DefaultUser
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(timeout).
		SetWriteTimeout(timeout).
		SetCleanSession(true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	})

	return &MQTTSink{
		client:  mqtt.NewClient(opts),
		topic:   cfg.Topic,
		user:    user,
		retain:  cfg.Retained,
		timeout: timeout,
		log:     log,
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Payload returns the JSON document published for job.
func (s *MQTTSink) Payload(job Job) ([]byte, error) {
	return json.Marshal(mqttPayload{
		User:        s.user,
		Value:       job.Value,
		SubmittedAt: job.SubmittedAt.UTC().Format(time.RFC3339Nano),
	})
}

// connect opens the broker connection once. Paho's auto-reconnect only
// takes over after a first successful connect, so failures are retried on
// the next job.
func (s *MQTTSink) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	token := s.client.Connect()
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("mqtt connect: timeout after %v", s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.connected = true
	return nil
}

// Send publishes job and waits for the publish token or ctx.
func (s *MQTTSink) Send(ctx context.Context, job Job) (Result, error) {
	if err := s.connect(); err != nil {
		return Result{}, err
	}

	payload, err := s.Payload(job)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	token := s.client.Publish(s.topic, 0, s.retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return Result{}, fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return Result{Message: "published " + s.topic}, nil
}

func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
