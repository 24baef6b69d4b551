package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all prospector server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`

	TickSeconds        int `json:"tick_seconds"`
	DigestCheckSeconds int `json:"digest_check_seconds"`

	SearchEndpoint       string `json:"search_endpoint"`
	SearchAPIKey         string `json:"search_api_key"`
	SearchMapping        string `json:"search_mapping"`
	SearchTimeoutSeconds int    `json:"search_timeout_seconds"`

	// EntityWebhook receives executed proposals as POSTed JSON. When
	// empty, executions are logged only.
	EntityWebhook string `json:"entity_webhook"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:           ":4200",
		DBPath:               filepath.Join(prospectorDir(), "prospector.db"),
		LogLevel:             "info",
		TickSeconds:          5,
		DigestCheckSeconds:   60,
		SearchTimeoutSeconds: 30,
	}
}

func prospectorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".prospector"
	}
	return filepath.Join(home, ".prospector")
}

func settingsPath() string {
	return filepath.Join(prospectorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PROSPECTOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PROSPECTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROSPECTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROSPECTOR_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickSeconds = n
		}
	}
	if v := os.Getenv("PROSPECTOR_DIGEST_CHECK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DigestCheckSeconds = n
		}
	}
	if v := os.Getenv("PROSPECTOR_SEARCH_ENDPOINT"); v != "" {
		cfg.SearchEndpoint = v
	}
	if v := os.Getenv("PROSPECTOR_SEARCH_API_KEY"); v != "" {
		cfg.SearchAPIKey = v
	}
	if v := os.Getenv("PROSPECTOR_SEARCH_MAPPING"); v != "" {
		cfg.SearchMapping = v
	}
	if v := os.Getenv("PROSPECTOR_SEARCH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SearchTimeoutSeconds = n
		}
	}
	if v := os.Getenv("PROSPECTOR_ENTITY_WEBHOOK"); v != "" {
		cfg.EntityWebhook = v
	}

	return cfg
}
