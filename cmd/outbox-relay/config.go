package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML configuration file. Flags and environment
// variables override anything set here.
type FileConfig struct {
	DB struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"db"`

	Outbox struct {
		Mode             string        `yaml:"mode"`
		PollInterval     time.Duration `yaml:"poll_interval"`
		Limit            int           `yaml:"limit"`
		Partition        *int          `yaml:"partition"`
		Partitions       int           `yaml:"partitions"`
		Topics           []string      `yaml:"topics"`
		Concurrent       bool          `yaml:"concurrent"`
		RetryAll         bool          `yaml:"retry_all"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
		RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	} `yaml:"outbox"`

	Sink struct {
		Kind       string `yaml:"kind"` // kafka | nats | redis | log
		Strategy   string `yaml:"strategy"`
		Instrument bool   `yaml:"instrument"`

		Kafka struct {
			Brokers      string   `yaml:"brokers"`
			EnsureTopics []string `yaml:"ensure_topics"`
		} `yaml:"kafka"`

		NATS struct {
			URL    string `yaml:"url"`
			Stream string `yaml:"stream"`
		} `yaml:"nats"`

		Redis struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
	} `yaml:"sink"`
}

// LoadFileConfig parses the YAML file at path. A missing path yields the
// zero config.
func LoadFileConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
