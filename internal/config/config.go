// Package config holds the client configuration, loaded from the environment
// with optional .env file support.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// Defaults used when the environment does not override them.
const (
	DefaultServerURL  = "ws://localhost:5000"
	DefaultStunServer = "stun.l.google.com"
	DefaultStunPort   = "19302"
	DefaultTunName    = "PeerBridge"
)

// Config stores all parameters for a client instance.
type Config struct {
	ServerURL   string // WebSocket rendezvous server URL
	Username    string // name registered with the rendezvous server
	LocalPort   int    // UDP listen port; 0 means any
	StunServer  string // STUN server host
	StunPort    string // STUN server port
	TunName     string // virtual adapter name
	Debug       bool   // enable debug logging
	TrafficLogs bool   // enable per-packet traffic logging
}

// Load builds a Config from defaults overridden by environment variables.
// When envFile is non-empty it is loaded first; a missing file is a warning,
// not an error.
func Load(envFile string) *Config {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			util.LogWarning("[Config] Failed to load env file %s: %v", envFile, err)
		}
	} else if err := godotenv.Load(); err == nil {
		util.LogInfo("[Config] Loaded configuration from .env")
	}

	return &Config{
		ServerURL:   getEnvOrDefault("SIGNALING_URL", DefaultServerURL),
		Username:    getEnvOrDefault("USERNAME", ""),
		LocalPort:   getEnvIntOrDefault("LOCAL_PORT", 0),
		StunServer:  getEnvOrDefault("STUN_SERVER", DefaultStunServer),
		StunPort:    getEnvOrDefault("STUN_PORT", DefaultStunPort),
		TunName:     getEnvOrDefault("TUN_NAME", DefaultTunName),
		Debug:       getEnvBoolOrDefault("DEBUG", false),
		TrafficLogs: getEnvBoolOrDefault("TRAFFIC_LOGS", false),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
