package export

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"anpr-edge/internal/config"
)

type Deps struct {
	// Events backs postgres sinks; nil when no database is configured.
	Events EventWriter
	HTTP   *http.Client
	Log    zerolog.Logger
}

// BuildSinks turns exporter configuration into sink entries, keeping the
// configured order. Disabled exporters are built too so that their queued
// retry items stay attributable.
func BuildSinks(cfgs []config.ExporterConfig, deps Deps) ([]SinkEntry, error) {
	entries := make([]SinkEntry, 0, len(cfgs))
	for _, c := range cfgs {
		sink, err := buildSink(c, deps)
		if err != nil {
			return nil, fmt.Errorf("exporter %s: %w", c.Name, err)
		}
		entries = append(entries, SinkEntry{
			Sink:    sink,
			Enabled: c.IsEnabled(),
			Timeout: c.Timeout,
		})
	}
	return entries, nil
}

func buildSink(c config.ExporterConfig, deps Deps) (Sink, error) {
	auth := Auth{Token: c.Auth.Token, Username: c.Auth.Username, Password: c.Auth.Password}
	switch c.Type {
	case "rest":
		return NewRESTSink(c.Name, c.Endpoint, auth, Codec(c.Codec), deps.HTTP), nil
	case "websocket":
		return NewWebSocketSink(c.Name, c.Endpoint, auth), nil
	case "mqtt":
		return NewMQTTSink(c.Name, MQTTOptions{
			Broker:   c.Endpoint,
			ClientID: c.ClientID,
			Topic:    c.Topic,
			QoS:      byte(c.QoS),
			Codec:    Codec(c.Codec),
			Auth:     auth,
		}, deps.Log), nil
	case "postgres":
		if deps.Events == nil {
			return nil, errors.New("postgres exporter requires database.dsn")
		}
		return NewPostgresSink(c.Name, deps.Events), nil
	}
	return nil, fmt.Errorf("%w: type %q", ErrUnknownSink, c.Type)
}
