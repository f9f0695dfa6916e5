package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	MQTT      MQTTConfig      `koanf:"mqtt"`
	DB        DBConfig        `koanf:"db"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Channels  ChannelsConfig  `koanf:"channels"`
	Ingest    IngestConfig    `koanf:"ingest"`
	GeoScore  GeoScoreConfig  `koanf:"geoscore"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type MQTTConfig struct {
	URL                      string `koanf:"url"`
	Topic                    string `koanf:"topic"`
	Username                 string `koanf:"username"`
	Password                 string `koanf:"password"`
	ClientID                 string `koanf:"client_id"`
	ReconnectIntervalSeconds int    `koanf:"reconnect_interval_seconds"`
}

type DBConfig struct {
	Path string `koanf:"path"`
}

type ArchiveConfig struct {
	Path string `koanf:"path"`
}

type ChannelsConfig struct {
	Path                  string `koanf:"path"`
	ReloadIntervalSeconds int    `koanf:"reload_interval_seconds"`
}

type IngestConfig struct {
	ChannelBufferSize  int  `koanf:"channel_buffer_size"`
	WriteRetryAttempts int  `koanf:"write_retry_attempts"`
	RFPacketCap        int  `koanf:"rf_packet_cap"`
	RFPruneEvery       int  `koanf:"rf_prune_every"`
	StoreRawFrames     bool `koanf:"store_raw_frames"`
	CompressRawFrames  bool `koanf:"compress_raw_frames"`
}

type GeoScoreConfig struct {
	ObsWeight          float64 `koanf:"obs_weight"`
	RelWeight          float64 `koanf:"rel_weight"`
	DistWeight         float64 `koanf:"dist_weight"`
	EdgeWeight         float64 `koanf:"edge_weight"`
	RouteConfThreshold float64 `koanf:"route_conf_threshold"`
	HopConfThreshold   float64 `koanf:"hop_conf_threshold"`
	IntervalSeconds    int     `koanf:"interval_seconds"`
	WindowMinutes      int     `koanf:"window_minutes"`
	CandidateLimit     int     `koanf:"candidate_limit"`
}

type RetentionConfig struct {
	RejectedDays int `koanf:"rejected_days"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MESHRANK_MQTT__URL → mqtt.url
	if err := k.Load(env.Provider("MESHRANK_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MESHRANK_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "meshrank-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 5,
		},
		MQTT: MQTTConfig{
			Topic:                    "meshrank/observers/+/packets",
			ClientID:                 "meshrank",
			ReconnectIntervalSeconds: 5,
		},
		DB: DBConfig{
			Path: "meshrank.db",
		},
		Archive: ArchiveConfig{
			Path: "observer-reports.ndjson",
		},
		Channels: ChannelsConfig{
			ReloadIntervalSeconds: 10,
		},
		Ingest: IngestConfig{
			ChannelBufferSize:  64,
			WriteRetryAttempts: 3,
			RFPacketCap:        50000,
			RFPruneEvery:       500,
			StoreRawFrames:     true,
			CompressRawFrames:  true,
		},
		GeoScore: GeoScoreConfig{
			ObsWeight:          1.0,
			RelWeight:          1.0,
			DistWeight:         0.3,
			EdgeWeight:         0.15,
			RouteConfThreshold: 0.65,
			HopConfThreshold:   0.60,
			IntervalSeconds:    60,
			WindowMinutes:      15,
			CandidateLimit:     25,
		},
		Retention: RetentionConfig{
			RejectedDays: 14,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.applyFlatEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFlatEnv honors the flat single-underscore variable names observers
// and deploy scripts already use, on top of the MESHRANK_ koanf overlay.
func (c *Config) applyFlatEnv() error {
	if v, ok := os.LookupEnv("MESHRANK_MQTT_URL"); ok {
		c.MQTT.URL = v
	}
	if v, ok := os.LookupEnv("MESHRANK_MQTT_TOPIC"); ok {
		c.MQTT.Topic = v
	}
	if v, ok := os.LookupEnv("MESHRANK_MQTT_USER"); ok {
		c.MQTT.Username = v
	}
	if v, ok := os.LookupEnv("MESHRANK_MQTT_PASS"); ok {
		c.MQTT.Password = v
	}
	if v, ok := os.LookupEnv("MESHRANK_DB_PATH"); ok {
		c.DB.Path = v
	}

	floats := []struct {
		name   string
		target *float64
	}{
		{"GEOSCORE_OBS_WEIGHT", &c.GeoScore.ObsWeight},
		{"GEOSCORE_REL_WEIGHT", &c.GeoScore.RelWeight},
		{"GEOSCORE_DIST_WEIGHT", &c.GeoScore.DistWeight},
		{"GEOSCORE_EDGE_WEIGHT", &c.GeoScore.EdgeWeight},
		{"GEOSCORE_ROUTE_CONF", &c.GeoScore.RouteConfThreshold},
		{"GEOSCORE_HOP_CONF", &c.GeoScore.HopConfThreshold},
	}
	for _, f := range floats {
		v, ok := os.LookupEnv(f.name)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a number: %w", f.name, v, err)
		}
		*f.target = parsed
	}
	return nil
}

func (c *Config) Validate() error {
	if c.MQTT.URL == "" {
		return fmt.Errorf("config: mqtt.url is required")
	}
	if c.MQTT.Topic == "" {
		return fmt.Errorf("config: mqtt.topic is required")
	}
	if c.MQTT.ReconnectIntervalSeconds <= 0 {
		return fmt.Errorf("config: mqtt.reconnect_interval_seconds must be > 0 (got %d)", c.MQTT.ReconnectIntervalSeconds)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("config: db.path is required")
	}
	if c.Archive.Path == "" {
		return fmt.Errorf("config: archive.path is required")
	}
	if c.Channels.ReloadIntervalSeconds <= 0 {
		return fmt.Errorf("config: channels.reload_interval_seconds must be > 0 (got %d)", c.Channels.ReloadIntervalSeconds)
	}
	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Ingest.WriteRetryAttempts <= 0 {
		return fmt.Errorf("config: ingest.write_retry_attempts must be > 0 (got %d)", c.Ingest.WriteRetryAttempts)
	}
	if c.Ingest.RFPacketCap <= 0 {
		return fmt.Errorf("config: ingest.rf_packet_cap must be > 0 (got %d)", c.Ingest.RFPacketCap)
	}
	if c.Ingest.RFPruneEvery <= 0 {
		return fmt.Errorf("config: ingest.rf_prune_every must be > 0 (got %d)", c.Ingest.RFPruneEvery)
	}
	if c.GeoScore.ObsWeight < 0 || c.GeoScore.RelWeight < 0 || c.GeoScore.DistWeight < 0 || c.GeoScore.EdgeWeight < 0 {
		return fmt.Errorf("config: geoscore weights must be >= 0")
	}
	if c.GeoScore.RouteConfThreshold <= 0 || c.GeoScore.RouteConfThreshold >= 1 {
		return fmt.Errorf("config: geoscore.route_conf_threshold must be in (0,1) (got %g)", c.GeoScore.RouteConfThreshold)
	}
	if c.GeoScore.HopConfThreshold <= 0 || c.GeoScore.HopConfThreshold >= 1 {
		return fmt.Errorf("config: geoscore.hop_conf_threshold must be in (0,1) (got %g)", c.GeoScore.HopConfThreshold)
	}
	if c.GeoScore.IntervalSeconds <= 0 {
		return fmt.Errorf("config: geoscore.interval_seconds must be > 0 (got %d)", c.GeoScore.IntervalSeconds)
	}
	if c.GeoScore.WindowMinutes <= 0 {
		return fmt.Errorf("config: geoscore.window_minutes must be > 0 (got %d)", c.GeoScore.WindowMinutes)
	}
	if c.GeoScore.CandidateLimit <= 0 {
		return fmt.Errorf("config: geoscore.candidate_limit must be > 0 (got %d)", c.GeoScore.CandidateLimit)
	}
	if c.Retention.RejectedDays <= 0 {
		return fmt.Errorf("config: retention.rejected_days must be > 0 (got %d)", c.Retention.RejectedDays)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}
