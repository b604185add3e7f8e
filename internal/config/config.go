// Package config loads the mediactl YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/rover-media/internal/wire"
)

// Role selects which side of the negotiation the process runs
type Role string

const (
	RoleController Role = "controller"
	RoleProducer   Role = "producer"
)

// Config represents the complete mediactl configuration
type Config struct {
	ClientID        string            `yaml:"client_id"`
	Role            Role              `yaml:"role"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Announce        AnnounceConfig    `yaml:"announce"`
	Negotiation     NegotiationConfig `yaml:"negotiation"`
	Audio           AudioConfig       `yaml:"audio"`
	Cameras         []CameraConfig    `yaml:"cameras"`
	Health          HealthConfig      `yaml:"health"`
}

// MQTTConfig contains broker session settings
type MQTTConfig struct {
	Broker            string        `yaml:"broker"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
}

// AnnounceConfig contains endpoint announcement settings
type AnnounceConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// NegotiationConfig contains request/state exchange settings
type NegotiationConfig struct {
	// RequestTimeout reverts an unanswered request to the last confirmed state
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AudioConfig describes the audio slot
type AudioConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Source  string `yaml:"source"`  // producer only, launch fragment for capture
	Request string `yaml:"request"` // controller only, profile requested on first connect
}

// CameraConfig describes one camera slot
type CameraConfig struct {
	Index         uint16 `yaml:"index"`
	ComputerIndex uint32 `yaml:"computer_index"`
	Name          string `yaml:"name"`
	VendorID      string `yaml:"vendor_id"`
	ProductID     string `yaml:"product_id"`
	Serial        string `yaml:"serial"`
	Port          int    `yaml:"port"`
	Source        string `yaml:"source"`  // producer only
	Request       string `yaml:"request"` // controller only, e.g. "4_2000000_1280_720_30"
}

// HealthConfig contains the health/metrics HTTP listener
type HealthConfig struct {
	Listen string `yaml:"listen"` // empty disables the server
}

// Identity returns the wire identity of the camera
func (c CameraConfig) Identity() wire.CameraIdentity {
	return wire.CameraIdentity{
		ComputerIndex: c.ComputerIndex,
		Index:         c.Index,
		Name:          c.Name,
		VendorID:      c.VendorID,
		ProductID:     c.ProductID,
		Serial:        c.Serial,
	}
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
