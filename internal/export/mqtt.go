package export

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"anpr-edge/internal/domain/anpr"
)

type MQTTOptions struct {
	Broker   string // tcp://host:1883
	ClientID string
	Topic    string // may contain {camera_id}
	QoS      byte
	Codec    Codec
	Auth     Auth
}

// MQTTSink publishes events to a broker. The client connects on first use
// and reconnects on its own afterwards.
type MQTTSink struct {
	name   string
	opts   MQTTOptions
	log    zerolog.Logger
	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTTSink(name string, opts MQTTOptions, log zerolog.Logger) *MQTTSink {
	if opts.ClientID == "" {
		opts.ClientID = "anpr-edge-" + name
	}
	if opts.Topic == "" {
		opts.Topic = "anpr/events/{camera_id}"
	}
	s := &MQTTSink{
		name: name,
		opts: opts,
		log:  log.With().Str("sink", name).Logger(),
	}
	s.client = mqtt.NewClient(s.clientOptions())
	return s
}

func (s *MQTTSink) clientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(s.opts.Broker)
	o.SetClientID(s.opts.ClientID)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(false)
	o.SetMaxReconnectInterval(30 * time.Second)
	if s.opts.Auth.Username != "" {
		o.SetUsername(s.opts.Auth.Username)
		o.SetPassword(s.opts.Auth.Password)
	}
	o.OnConnect = func(mqtt.Client) {
		s.log.Info().Str("broker", s.opts.Broker).Msg("mqtt connection established")
	}
	o.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.log.Warn().Err(err).Str("broker", s.opts.Broker).Msg("mqtt connection lost")
	}
	return o
}

func (s *MQTTSink) Name() string { return s.name }

// Topic expands the configured topic for an event.
func (s *MQTTSink) Topic(event anpr.PlateEvent) string {
	return strings.ReplaceAll(s.opts.Topic, "{camera_id}", event.CameraID)
}

func (s *MQTTSink) Send(ctx context.Context, event anpr.PlateEvent) error {
	payload, err := s.opts.Codec.Encode(event)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", ErrDeliveryFailed, err)
	}
	if err := s.connect(ctx); err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(event), s.opts.QoS, false, payload)
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrDeliveryFailed, s.opts.Broker, err)
	}
	return nil
}

func (s *MQTTSink) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.IsConnectionOpen() {
		return nil
	}
	if err := wait(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrDeliveryFailed, s.opts.Broker, err)
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
