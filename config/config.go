package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"agvlink/location"
)

// Config is the top-level configuration shared by the relay, the vehicle
// daemon and the reference server.
type Config struct {
	mu sync.Mutex `yaml:"-"`

	BridgeID string   `yaml:"bridge_id"`
	Palette  []string `yaml:"palette"`

	Server    ServerConfig    `yaml:"server"`
	Messaging MessagingConfig `yaml:"messaging"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Relay     RelayConfig     `yaml:"relay"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Web       WebConfig       `yaml:"web"`
	Vehicle   VehicleConfig   `yaml:"vehicle"`
}

// ServerConfig defines the central server socket.
type ServerConfig struct {
	Address        string        `yaml:"address"`
	ListenAddress  string        `yaml:"listen_address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// MessagingConfig defines the vehicle-side pub/sub backend.
type MessagingConfig struct {
	Backend     string      `yaml:"backend"` // "mqtt" or "kafka"
	MQTT        MQTTConfig  `yaml:"mqtt"`
	Kafka       KafkaConfig `yaml:"kafka"`
	TopicPrefix string      `yaml:"topic_prefix"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// FleetConfig lists the vehicles the relay subscribes to at startup.
type FleetConfig struct {
	Vehicles []string `yaml:"vehicles"`
}

// RelayConfig defines relay loop timing.
type RelayConfig struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SummaryInterval   time.Duration `yaml:"summary_interval"`
	CommandTTL        time.Duration `yaml:"command_ttl"`
}

// StorageConfig defines the flat-file persistence paths.
type StorageConfig struct {
	EventLogPath string `yaml:"event_log_path"`
	ImageDir     string `yaml:"image_dir"`
	SaveImages   bool   `yaml:"save_images"`
}

// RedisConfig defines the optional session mirror.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WebConfig defines the relay status web server.
type WebConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	SessionSecret     string `yaml:"session_secret"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// VehicleConfig defines the onboard controller.
type VehicleConfig struct {
	ID                           string        `yaml:"id"`
	TickInterval                 time.Duration `yaml:"tick_interval"`
	TelemetryInterval            time.Duration `yaml:"telemetry_interval"`
	ArrivalThresholdX            float64       `yaml:"arrival_threshold_x"`
	ArrivalThresholdY            float64       `yaml:"arrival_threshold_y"`
	PickupRetries                int           `yaml:"pickup_retries"`
	PickupRetryPause             time.Duration `yaml:"pickup_retry_pause"`
	LocateTimeout                time.Duration `yaml:"locate_timeout"`
	NavigationSettle             time.Duration `yaml:"navigation_settle"`
	PlacePosition                []float64     `yaml:"place_position"`
	AdvanceOnManipulationFailure bool          `yaml:"advance_on_manipulation_failure"`
	ReconnectInterval            time.Duration `yaml:"reconnect_interval"`
	SeenCommandLimit             int           `yaml:"seen_command_limit"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		BridgeID: "bridge-1",
		Palette:  append([]string(nil), location.DefaultPalette...),
		Server: ServerConfig{
			Address:        "localhost:5000",
			ListenAddress:  ":5000",
			ConnectTimeout: 5 * time.Second,
			ReceiveTimeout: 5 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
		Messaging: MessagingConfig{
			Backend:     "mqtt",
			TopicPrefix: "fleet",
			MQTT: MQTTConfig{
				Broker:         "localhost",
				Port:           1883,
				QoS:            1,
				ConnectTimeout: 5 * time.Second,
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				GroupID: "agvlink",
			},
		},
		Fleet: FleetConfig{
			Vehicles: []string{"1", "2", "3", "4"},
		},
		Relay: RelayConfig{
			ReconnectInterval: 5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			SummaryInterval:   30 * time.Second,
			CommandTTL:        10 * time.Minute,
		},
		Storage: StorageConfig{
			EventLogPath: "data/agv_work_log.jsonl",
			ImageDir:     "data/images",
			SaveImages:   true,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "agvlink",
		},
		Web: WebConfig{
			Enabled:   true,
			Host:      "0.0.0.0",
			Port:      8090,
			AdminUser: "admin",
		},
		Vehicle: VehicleConfig{
			ID:                           "1",
			TickInterval:                 100 * time.Millisecond,
			TelemetryInterval:            500 * time.Millisecond,
			ArrivalThresholdX:            15,
			ArrivalThresholdY:            15,
			PickupRetries:                5,
			PickupRetryPause:             500 * time.Millisecond,
			LocateTimeout:                2 * time.Second,
			NavigationSettle:             500 * time.Millisecond,
			PlacePosition:                []float64{200, 0, 50},
			AdvanceOnManipulationFailure: true,
			ReconnectInterval:            5 * time.Second,
			SeenCommandLimit:             256,
		},
	}
}

// Load reads a YAML or TOML config file, chosen by extension. If the file
// doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if isTOML(path) {
		// TOML is decoded generically and re-read through the YAML tags so
		// both formats share one set of field names and duration parsing.
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return nil, err
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path, as TOML for a .toml extension and YAML
// otherwise.
func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if isTOML(path) {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		if data, err = toml.Marshal(doc); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations the relay or vehicle cannot run with.
func (c *Config) Validate() error {
	if err := location.Palette(c.Palette).Validate(); err != nil {
		return err
	}
	switch c.Messaging.Backend {
	case "mqtt", "kafka":
	default:
		return fmt.Errorf("messaging.backend %q must be mqtt or kafka", c.Messaging.Backend)
	}
	if strings.Trim(c.Messaging.TopicPrefix, "/") == "" {
		return fmt.Errorf("messaging.topic_prefix is empty")
	}
	if c.Relay.ReconnectInterval <= 0 || c.Relay.HeartbeatInterval <= 0 {
		return fmt.Errorf("relay intervals must be positive")
	}
	if c.Vehicle.TickInterval <= 0 || c.Vehicle.TelemetryInterval <= 0 {
		return fmt.Errorf("vehicle intervals must be positive")
	}
	if len(c.Vehicle.PlacePosition) != 3 {
		return fmt.Errorf("vehicle.place_position needs 3 values, got %d", len(c.Vehicle.PlacePosition))
	}
	for _, id := range c.Fleet.Vehicles {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("fleet.vehicles contains a blank id")
		}
	}
	return nil
}

// PaletteList returns the configured palette.
func (c *Config) PaletteList() location.Palette {
	return location.Palette(c.Palette)
}

// Lock acquires the config mutex for multi-step mutations.
func (c *Config) Lock() { c.mu.Lock() }

// Unlock releases the config mutex.
func (c *Config) Unlock() { c.mu.Unlock() }

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
