package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the file-based service configuration. Database settings come
// from DB_* environment variables instead (see dbconfig).
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Events struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		StreamName    string `yaml:"stream_name"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"events"`
	Watchdog struct {
		BatchSize int32 `yaml:"batch_size"`
	} `yaml:"watchdog"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	config := &Config{}
	config.Server.Port = "8080"
	config.Watchdog.BatchSize = 50

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}
