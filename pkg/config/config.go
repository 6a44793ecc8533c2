package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `json:"log_level" yaml:"log_level" default:"info"`
	Sensor   Sensor `json:"sensor" yaml:"sensor"`
	Events   Events `json:"events" yaml:"events"`
}

// Sensor holds the timing, capacity and protocol parameters of the engine.
// It is passed by value into the engine and never mutated afterwards.
type Sensor struct {
	ScanOn               time.Duration `json:"scan_on" yaml:"scan_on" default:"8s"`
	ScanOff              time.Duration `json:"scan_off" yaml:"scan_off" default:"4s"`
	ConnectionQuota      int           `json:"connection_quota" yaml:"connection_quota" default:"12"`
	DeviceExpiry         time.Duration `json:"device_expiry" yaml:"device_expiry" default:"1h"`
	IgnoreReintroduction time.Duration `json:"ignore_reintroduction" yaml:"ignore_reintroduction" default:"2m"`
	ConnectionTimeout    time.Duration `json:"connection_timeout" yaml:"connection_timeout" default:"10s"`

	// PayloadStaleness is how long a read or written payload stays fresh.
	PayloadStaleness       time.Duration `json:"payload_staleness" yaml:"payload_staleness" default:"1h"`
	PayloadSharingInterval time.Duration `json:"payload_sharing_interval" yaml:"payload_sharing_interval" default:"5m"`

	Eviction Eviction `json:"eviction" yaml:"eviction"`

	// IntakeCapacity bounds the advertisement queue; the oldest entries are overwritten when full.
	IntakeCapacity uint32 `json:"intake_capacity" yaml:"intake_capacity" default:"1024"`

	// WriteBack enables pushing signal commands to peers that cannot read from this node.
	WriteBack bool `json:"write_back" yaml:"write_back" default:"false"`

	ServiceUUID        string `json:"service_uuid" yaml:"service_uuid" default:"428132af-4746-42d3-801e-4572d65bfd9b"`
	AndroidSignalUUID  string `json:"android_signal_uuid" yaml:"android_signal_uuid" default:"f617b813-092e-437a-8324-e09a80821a11"`
	IOSSignalUUID      string `json:"ios_signal_uuid" yaml:"ios_signal_uuid" default:"0eb0d5f2-eae4-4a9a-8af3-a4adb02d4363"`
	PayloadUUID        string `json:"payload_uuid" yaml:"payload_uuid" default:"3e98c0f8-8f05-4829-a121-43e38f8933e7"`
	PayloadSharingUUID string `json:"payload_sharing_uuid" yaml:"payload_sharing_uuid" default:"7a1f0e8d-9b6c-4d2e-8f3a-5c4b2d1e0f9a"`

	// ManufacturerID is the company identifier of the reference vendor (Apple).
	ManufacturerID uint16 `json:"manufacturer_id" yaml:"manufacturer_id" default:"76"`
}

// Eviction controls reclaiming connection slots from idle, long-lived connections.
type Eviction struct {
	Enabled bool          `json:"enabled" yaml:"enabled" default:"false"`
	Idle    time.Duration `json:"idle" yaml:"idle" default:"1m"`
	Age     time.Duration `json:"age" yaml:"age" default:"30s"`
}

// Events configures where device and sensor events are published.
type Events struct {
	NATSURL string `json:"nats_url" yaml:"nats_url" default:""`
	Subject string `json:"subject" yaml:"subject" default:"proxim.events"`
	Console bool   `json:"console" yaml:"console" default:"true"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultSensor returns the default engine parameters
func DefaultSensor() Sensor {
	return DefaultConfig().Sensor
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	if err := cfg.decode(f); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// YAML renders the configuration as a YAML document
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if err := c.Sensor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		errs = append(errs, errors.New("events.subject: required when nats_url is set"))
	}
	return errors.Join(errs...)
}

func (s Sensor) Validate() error {
	var errs []error
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"scan_on", s.ScanOn},
		{"scan_off", s.ScanOff},
		{"device_expiry", s.DeviceExpiry},
		{"ignore_reintroduction", s.IgnoreReintroduction},
		{"connection_timeout", s.ConnectionTimeout},
		{"payload_staleness", s.PayloadStaleness},
		{"payload_sharing_interval", s.PayloadSharingInterval},
		{"eviction.idle", s.Eviction.Idle},
		{"eviction.age", s.Eviction.Age},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("sensor.%s: must be positive, got %s", p.name, p.value))
		}
	}
	if s.ConnectionQuota < 1 {
		errs = append(errs, fmt.Errorf("sensor.connection_quota: must be at least 1, got %d", s.ConnectionQuota))
	}
	if s.IntakeCapacity == 0 {
		errs = append(errs, errors.New("sensor.intake_capacity: must be positive"))
	}

	uuids := []struct {
		name  string
		value string
	}{
		{"service_uuid", s.ServiceUUID},
		{"android_signal_uuid", s.AndroidSignalUUID},
		{"ios_signal_uuid", s.IOSSignalUUID},
		{"payload_uuid", s.PayloadUUID},
		{"payload_sharing_uuid", s.PayloadSharingUUID},
	}
	for _, u := range uuids {
		if _, err := ble.Parse(u.value); err != nil {
			errs = append(errs, fmt.Errorf("sensor.%s: %w", u.name, err))
		}
	}
	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
