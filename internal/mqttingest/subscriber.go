// Package mqttingest feeds samples published on an MQTT broker into the
// ingest path.
package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"soilwatch/internal/ingest"
)

// Ingester accepts one sample.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, raw float64, at time.Time) (ingest.Result, error)
}

// Config holds broker connectivity and the subscription.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Buffer   int
}

// Sample is a decoded message waiting to be ingested.
type Sample struct {
	DeviceID string
	Raw      float64
	At       time.Time
}

// Subscriber consumes sample messages and hands them to the ingest path.
type Subscriber struct {
	cfg      Config
	ingester Ingester
	samples  chan Sample
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSubscriber builds a subscriber; Run connects it.
func NewSubscriber(cfg Config, ingester Ingester, logger zerolog.Logger) *Subscriber {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Topic == "" {
		cfg.Topic = "soil/+/raw"
	}
	return &Subscriber{
		cfg:      cfg,
		ingester: ingester,
		samples:  make(chan Sample, cfg.Buffer),
		now:      time.Now,
		logger:   logger.With().Str("component", "mqtt").Logger(),
	}
}

// Run connects, subscribes and ingests samples until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	client := mqtt.NewClient(s.clientOptions())
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	defer client.Disconnect(250)
	s.logger.Info().Str("broker", s.cfg.Broker).Msg("connected to broker")

	if token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Topic, token.Error())
	}
	s.logger.Info().Str("topic", s.cfg.Topic).Msg("subscribed")

	return s.Consume(ctx)
}

// Consume drains decoded samples into the ingest path until ctx is cancelled.
func (s *Subscriber) Consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample := <-s.samples:
			if _, err := s.ingester.Ingest(ctx, sample.DeviceID, sample.Raw, sample.At); err != nil {
				ev := s.logger.Error()
				if errors.Is(err, ingest.ErrInvalidInput) {
					ev = s.logger.Warn()
				}
				ev.Err(err).Str("device", sample.DeviceID).Msg("mqtt sample rejected")
			}
		}
	}
}

func (s *Subscriber) clientOptions() *mqtt.ClientOptions {
	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "soilwatch"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(clientID + "-" + uuid.NewString()[:8])
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		s.logger.Debug().Msg("mqtt connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	return opts
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.enqueue(msg.Topic(), msg.Payload())
}

// enqueue decodes one message and queues it, dropping it when the buffer
// stays full for a second.
func (s *Subscriber) enqueue(topic string, payload []byte) {
	deviceID := DeviceFromTopic(s.cfg.Topic, topic)
	if deviceID == "" {
		s.logger.Warn().Str("topic", topic).Msg("could not extract device id from topic")
		return
	}
	raw, err := ParsePayload(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("device", deviceID).Msg("unparsable mqtt payload")
		return
	}

	sample := Sample{DeviceID: deviceID, Raw: raw, At: s.now()}
	select {
	case s.samples <- sample:
	case <-time.After(time.Second):
		s.logger.Warn().Str("device", deviceID).Msg("sample buffer full, dropping message")
	}
}

// DeviceFromTopic returns the topic level matched by the single-level
// wildcard in pattern, e.g. "bed-1" for soil/+/raw and soil/bed-1/raw.
func DeviceFromTopic(pattern, topic string) string {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return ""
	}
	device := ""
	for i := range pp {
		switch pp[i] {
		case "+":
			if device == "" {
				device = tp[i]
			}
		default:
			if pp[i] != tp[i] {
				return ""
			}
		}
	}
	return strings.TrimSpace(device)
}

// ParsePayload accepts a bare number or a JSON object with a "raw" field
// holding a number or numeric string.
func ParsePayload(payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return 0, errors.New("empty payload")
	}

	if strings.HasPrefix(text, "{") {
		var body struct {
			Raw json.RawMessage `json:"raw"`
		}
		if err := json.Unmarshal([]byte(text), &body); err != nil {
			return 0, fmt.Errorf("decode payload: %w", err)
		}
		text = strings.Trim(strings.TrimSpace(string(body.Raw)), `"`)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse raw: %w", err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("raw is not finite")
	}
	return v, nil
}
