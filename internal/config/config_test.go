package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
mqtt:
  url: tcp://broker:1883
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MQTT.Topic != "meshrank/observers/+/packets" {
		t.Errorf("topic = %q", cfg.MQTT.Topic)
	}
	if cfg.MQTT.ReconnectIntervalSeconds != 5 {
		t.Errorf("reconnect = %d", cfg.MQTT.ReconnectIntervalSeconds)
	}
	if cfg.Ingest.RFPacketCap != 50000 || cfg.Ingest.RFPruneEvery != 500 {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if cfg.GeoScore.ObsWeight != 1.0 || cfg.GeoScore.DistWeight != 0.3 || cfg.GeoScore.EdgeWeight != 0.15 {
		t.Errorf("geoscore weights = %+v", cfg.GeoScore)
	}
	if cfg.GeoScore.RouteConfThreshold != 0.65 || cfg.GeoScore.HopConfThreshold != 0.60 {
		t.Errorf("geoscore thresholds = %+v", cfg.GeoScore)
	}
	if cfg.GeoScore.CandidateLimit != 25 {
		t.Errorf("candidate limit = %d", cfg.GeoScore.CandidateLimit)
	}
	if cfg.Service.ShutdownTimeoutSeconds != 5 {
		t.Errorf("shutdown timeout = %d", cfg.Service.ShutdownTimeoutSeconds)
	}
	if cfg.Retention.RejectedDays != 14 {
		t.Errorf("rejected days = %d", cfg.Retention.RejectedDays)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mqtt:
  url: tcp://broker:1883
  topic: custom/topic
db:
  path: /var/lib/meshrank/data.db
geoscore:
  dist_weight: 0.5
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Topic != "custom/topic" {
		t.Errorf("topic = %q", cfg.MQTT.Topic)
	}
	if cfg.DB.Path != "/var/lib/meshrank/data.db" {
		t.Errorf("db path = %q", cfg.DB.Path)
	}
	if cfg.GeoScore.DistWeight != 0.5 {
		t.Errorf("dist weight = %v", cfg.GeoScore.DistWeight)
	}
	// Untouched siblings keep defaults.
	if cfg.GeoScore.EdgeWeight != 0.15 {
		t.Errorf("edge weight = %v", cfg.GeoScore.EdgeWeight)
	}
}

func TestFlatEnvOverrides(t *testing.T) {
	t.Setenv("MESHRANK_MQTT_URL", "tcp://env-broker:1883")
	t.Setenv("MESHRANK_DB_PATH", "/tmp/env.db")
	t.Setenv("GEOSCORE_OBS_WEIGHT", "2.5")
	t.Setenv("GEOSCORE_ROUTE_CONF", "0.7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.URL != "tcp://env-broker:1883" {
		t.Errorf("url = %q", cfg.MQTT.URL)
	}
	if cfg.DB.Path != "/tmp/env.db" {
		t.Errorf("db path = %q", cfg.DB.Path)
	}
	if cfg.GeoScore.ObsWeight != 2.5 {
		t.Errorf("obs weight = %v", cfg.GeoScore.ObsWeight)
	}
	if cfg.GeoScore.RouteConfThreshold != 0.7 {
		t.Errorf("route conf = %v", cfg.GeoScore.RouteConfThreshold)
	}
}

func TestFlatEnvBadFloat(t *testing.T) {
	t.Setenv("MESHRANK_MQTT_URL", "tcp://broker:1883")
	t.Setenv("GEOSCORE_OBS_WEIGHT", "heavy")

	if _, err := Load(""); err == nil {
		t.Error("non-numeric weight accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing mqtt url", `db: {path: x.db}`},
		{"empty db path", `
mqtt: {url: tcp://b:1883}
db: {path: ""}
`},
		{"zero rf cap", `
mqtt: {url: tcp://b:1883}
ingest: {rf_packet_cap: 0}
`},
		{"route conf out of range", `
mqtt: {url: tcp://b:1883}
geoscore: {route_conf_threshold: 1.5}
`},
		{"negative weight", `
mqtt: {url: tcp://b:1883}
geoscore: {obs_weight: -1}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing config file accepted")
	}
}
