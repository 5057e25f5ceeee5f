package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"anpr-edge/internal/domain/anpr"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RetryQueue RetryQueueConfig `mapstructure:"retry_queue"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	OCR        OCRConfig        `mapstructure:"ocr"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Cameras    []CameraConfig   `mapstructure:"cameras"`
	Zones      []ZoneConfig     `mapstructure:"zones"`
	Exporters  []ExporterConfig `mapstructure:"exporters"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig enables the postgres store when DSN is set. RetentionDays > 0
// deletes stored events older than that many days.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type RetryQueueConfig struct {
	Path string `mapstructure:"path"`
}

type TrackerConfig struct {
	Method         string  `mapstructure:"method"`
	MaxDisappeared int     `mapstructure:"max_disappeared"`
	MaxDistance    float64 `mapstructure:"max_distance"`
	MinIoU         float64 `mapstructure:"min_iou"`
	MinHits        int     `mapstructure:"min_hits"`
}

type OCRConfig struct {
	Method        string        `mapstructure:"method"`
	BeamWidth     int           `mapstructure:"beam_width"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	Models        []ModelConfig `mapstructure:"models"`
}

type ModelConfig struct {
	Name    string  `mapstructure:"name"`
	Weight  float64 `mapstructure:"weight"`
	Enabled *bool   `mapstructure:"enabled"`
}

type PipelineConfig struct {
	// ZoneEventsOnly dispatches only events that carry a zone transition.
	ZoneEventsOnly bool          `mapstructure:"zone_events_only"`
	ReadRetryDelay time.Duration `mapstructure:"read_retry_delay"`
}

type CameraConfig struct {
	ID         string  `mapstructure:"id"`
	Enabled    *bool   `mapstructure:"enabled"`
	Source     string  `mapstructure:"source"`
	Loop       bool    `mapstructure:"loop"`
	FPS        float64 `mapstructure:"fps"`
	PlateClass string  `mapstructure:"plate_class"`
}

type ZoneConfig struct {
	ID     string      `mapstructure:"id"`
	Name   string      `mapstructure:"name"`
	Points [][]float64 `mapstructure:"points"`
}

type ExporterConfig struct {
	Name     string        `mapstructure:"name"`
	Type     string        `mapstructure:"type"`
	Endpoint string        `mapstructure:"endpoint"`
	Enabled  *bool         `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Topic    string        `mapstructure:"topic"`
	QoS      int           `mapstructure:"qos"`
	Codec    string        `mapstructure:"codec"`
	ClientID string        `mapstructure:"client_id"`
}

type AuthConfig struct {
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func (m ModelConfig) IsEnabled() bool    { return enabled(m.Enabled) }
func (c CameraConfig) IsEnabled() bool   { return enabled(c.Enabled) }
func (e ExporterConfig) IsEnabled() bool { return enabled(e.Enabled) }

func enabled(b *bool) bool {
	return b == nil || *b
}

// Load reads the YAML file at path (or ./config.yaml when path is empty) and
// applies ANPR_* environment overrides, e.g. ANPR_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyItemDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.retention_days", 0)
	v.SetDefault("database.cleanup_interval", time.Hour)
	v.SetDefault("retry_queue.path", "data/retry_queue.json")

	v.SetDefault("tracker.method", "distance")
	v.SetDefault("tracker.max_disappeared", 10)
	v.SetDefault("tracker.max_distance", 50.0)
	v.SetDefault("tracker.min_iou", 0.3)
	v.SetDefault("tracker.min_hits", 2)

	v.SetDefault("ocr.method", "majority")
	v.SetDefault("ocr.beam_width", 2)
	v.SetDefault("ocr.min_confidence", 0.4)

	v.SetDefault("pipeline.zone_events_only", false)
	v.SetDefault("pipeline.read_retry_delay", 100*time.Millisecond)
}

func (c *Config) applyItemDefaults() {
	for i := range c.OCR.Models {
		if c.OCR.Models[i].Weight == 0 {
			c.OCR.Models[i].Weight = 1
		}
	}
	for i := range c.Cameras {
		if c.Cameras[i].PlateClass == "" {
			c.Cameras[i].PlateClass = "plate"
		}
	}
	for i := range c.Exporters {
		e := &c.Exporters[i]
		if e.Timeout <= 0 {
			e.Timeout = 5 * time.Second
		}
		if e.Codec == "" {
			e.Codec = "json"
		}
		if e.Name == "" {
			e.Name = e.Type
		}
	}
}

func (c *Config) Validate() error {
	if c.Database.RetentionDays < 0 {
		return fmt.Errorf("%w: database.retention_days must be >= 0", ErrInvalidConfig)
	}
	if c.Tracker.MinHits < 1 {
		return fmt.Errorf("%w: tracker.min_hits must be >= 1", ErrInvalidConfig)
	}
	if c.Tracker.MaxDisappeared < 0 {
		return fmt.Errorf("%w: tracker.max_disappeared must be >= 0", ErrInvalidConfig)
	}
	switch c.Tracker.Method {
	case "distance", "iou":
	default:
		return fmt.Errorf("%w: tracker.method %q", ErrInvalidConfig, c.Tracker.Method)
	}
	switch c.OCR.Method {
	case "majority", "weighted", "beam-search":
	default:
		return fmt.Errorf("%w: ocr.method %q", ErrInvalidConfig, c.OCR.Method)
	}

	models := make(map[string]bool)
	for i, m := range c.OCR.Models {
		if m.Name == "" {
			return fmt.Errorf("%w: ocr.models[%d].name is required", ErrInvalidConfig, i)
		}
		if models[m.Name] {
			return fmt.Errorf("%w: ocr.models[%d] duplicate name %q", ErrInvalidConfig, i, m.Name)
		}
		if m.Weight < 0 {
			return fmt.Errorf("%w: ocr.models[%d].weight must be >= 0", ErrInvalidConfig, i)
		}
		models[m.Name] = true
	}

	cameras := make(map[string]bool)
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("%w: cameras[%d].id is required", ErrInvalidConfig, i)
		}
		if cameras[cam.ID] {
			return fmt.Errorf("%w: cameras[%d] duplicate id %q", ErrInvalidConfig, i, cam.ID)
		}
		if cam.IsEnabled() && cam.Source == "" {
			return fmt.Errorf("%w: cameras[%d].source is required", ErrInvalidConfig, i)
		}
		cameras[cam.ID] = true
	}

	zones := make(map[string]bool)
	for i, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("%w: zones[%d].id is required", ErrInvalidConfig, i)
		}
		if zones[z.ID] {
			return fmt.Errorf("%w: zones[%d] duplicate id %q", ErrInvalidConfig, i, z.ID)
		}
		if len(z.Points) < 3 {
			return fmt.Errorf("%w: zones[%d] needs at least 3 points", ErrInvalidConfig, i)
		}
		for j, p := range z.Points {
			if len(p) != 2 {
				return fmt.Errorf("%w: zones[%d].points[%d] must be [x, y]", ErrInvalidConfig, i, j)
			}
		}
		zones[z.ID] = true
	}

	exporters := make(map[string]bool)
	for i, e := range c.Exporters {
		switch e.Type {
		case "rest", "websocket", "mqtt", "postgres":
		default:
			return fmt.Errorf("%w: exporters[%d].type %q", ErrInvalidConfig, i, e.Type)
		}
		if exporters[e.Name] {
			return fmt.Errorf("%w: exporters[%d] duplicate name %q", ErrInvalidConfig, i, e.Name)
		}
		if e.Type != "postgres" && e.Endpoint == "" {
			return fmt.Errorf("%w: exporters[%d].endpoint is required", ErrInvalidConfig, i)
		}
		switch e.Codec {
		case "json", "msgpack":
		default:
			return fmt.Errorf("%w: exporters[%d].codec %q", ErrInvalidConfig, i, e.Codec)
		}
		if e.QoS < 0 || e.QoS > 2 {
			return fmt.Errorf("%w: exporters[%d].qos must be 0, 1 or 2", ErrInvalidConfig, i)
		}
		exporters[e.Name] = true
	}
	return nil
}

// ZoneList converts the configured zones, keeping file order.
func (c *Config) ZoneList() []anpr.Zone {
	out := make([]anpr.Zone, 0, len(c.Zones))
	for _, z := range c.Zones {
		poly := make(anpr.Polygon, 0, len(z.Points))
		for _, p := range z.Points {
			poly = append(poly, anpr.Point{X: p[0], Y: p[1]})
		}
		out = append(out, anpr.Zone{ID: z.ID, Name: z.Name, Polygon: poly})
	}
	return out
}
