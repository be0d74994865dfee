// loader.go implements the configuration loading lifecycle:
//
//  1. Enforce UTC to prevent timezone drift in ledger dates.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Populate the Config struct from envconfig tags.
//  4. Validate with go-playground/validator.
//  5. Parse and cross-check the SOURCES_JSON mapping.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"formrelay/internal/types"
)

// ConfigError is a diagnostic error type returned by Load to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Load loads and validates the formrelay configuration from the process
// environment. A .env file in the working directory is honored but never
// overrides already-set variables.
func Load() (*Config, error) {
	// Ledger entries store calendar dates; a process-local timezone would
	// make them restart-dependent.
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "processing environment", Err: err}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "validating configuration", Err: err}
	}

	// Fail fast on an unusable source map rather than at first tick.
	if _, err := ParseSources(cfg.Poll.SourcesJSON); err != nil {
		return nil, err
	}

	if cfg.Ledger.Backend == "postgres" && cfg.Ledger.DatabaseURL.Unmask() == "" {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "LEDGER_DATABASE_URL is required when LEDGER_BACKEND=postgres",
		}
	}

	return &cfg, nil
}

// ParseSources decodes the SOURCES_JSON mapping into the configured source
// list. Every source must carry a form ID and a destination channel; an
// empty list is rejected because the process would have nothing to do.
func ParseSources(raw string) ([]types.Source, error) {
	var sources []types.Source
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return nil, &ConfigError{Type: ErrSources, Message: "decoding SOURCES_JSON", Err: err}
	}

	if len(sources) == 0 {
		return nil, &ConfigError{Type: ErrSources, Message: "SOURCES_JSON must list at least one source"}
	}

	seen := make(map[string]struct{}, len(sources))
	for i, src := range sources {
		if src.FormID == "" {
			return nil, &ConfigError{Type: ErrSources, Message: fmt.Sprintf("source %d: form_id is required", i)}
		}
		if src.Destination.ChannelID == "" {
			return nil, &ConfigError{Type: ErrSources, Message: fmt.Sprintf("source %q: destination.channel_id is required", src.FormID)}
		}
		if _, dup := seen[src.FormID]; dup {
			return nil, &ConfigError{Type: ErrSources, Message: fmt.Sprintf("source %q: duplicate form_id", src.FormID)}
		}
		seen[src.FormID] = struct{}{}
	}

	return sources, nil
}
