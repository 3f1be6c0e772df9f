package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Compile-time engine constants. These are deliberately not configurable:
// changing them changes the engine's observable contract.
const (
	// MaxConsecutiveSpeaks caps successive speeches by one agent under
	// non-moderated orders.
	MaxConsecutiveSpeaks = 2
	// MaxAgentContextEvents caps an agent's private short-term memory.
	MaxAgentContextEvents = 50
	// MaxReadLimit caps every event-log read operation.
	MaxReadLimit = 100
	// MaxFullStateEvents caps the full_state replay sent to observers.
	MaxFullStateEvents = 200
)

// Sentinel configuration errors.
var (
	ErrInvalidScenario = errors.New("invalid scenario")
	ErrInvalidSettings = errors.New("invalid settings")
)

// Settings holds process-wide configuration loaded once at startup.
type Settings struct {
	// HTTPPort is the API listen port.
	HTTPPort string
	// EventLogMaxSize is the per-session event cap that triggers auto-prune.
	EventLogMaxSize int
	// WriteTimeout bounds each observer WebSocket send.
	WriteTimeout time.Duration
	// ScenarioDir holds scenario YAML files (empty = built-ins only).
	ScenarioDir string
	// DatabaseURL enables the postgres event store when non-empty.
	DatabaseURL string
	// ModelBaseURL and ModelAPIKey configure the default model client.
	ModelBaseURL string
	ModelAPIKey  string
	ModelName    string
	// ModelMaxRetries bounds retry attempts for retryable model failures.
	ModelMaxRetries int
}

// LoadSettings reads settings from the environment, applying defaults.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		EventLogMaxSize: 500,
		WriteTimeout:    10 * time.Second,
		ScenarioDir:     os.Getenv("SCENARIO_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ModelBaseURL:    os.Getenv("MODEL_BASE_URL"),
		ModelAPIKey:     os.Getenv("MODEL_API_KEY"),
		ModelName:       getEnv("MODEL_NAME", "gpt-4o-mini"),
		ModelMaxRetries: 2,
	}

	if v := os.Getenv("WE_EVENT_LOG_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, errors.Join(ErrInvalidSettings,
				errors.New("WE_EVENT_LOG_MAX_SIZE must be a positive integer"))
		}
		s.EventLogMaxSize = n
	}
	if v := os.Getenv("MODEL_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.Join(ErrInvalidSettings,
				errors.New("MODEL_MAX_RETRIES must be a non-negative integer"))
		}
		s.ModelMaxRetries = n
	}
	if v := os.Getenv("WS_WRITE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.Join(ErrInvalidSettings,
				errors.New("WS_WRITE_TIMEOUT must be a positive duration"))
		}
		s.WriteTimeout = d
	}

	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
