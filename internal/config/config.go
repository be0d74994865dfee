// Package config defines the process-wide configuration for formrelay.
// Configuration is loaded once at startup and immutable thereafter,
// following 12-Factor principles: all values come from the environment
// (optionally seeded by a local .env file), and any missing required value
// or invalid format fails the process immediately.
package config

import (
	"time"

	"formrelay/internal/types"
)

// SecretString aliases types.SecretString, the redacted secret type used for
// all credentials so they cannot leak through logs or config dumps.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Poll    PollConfig
	Forms   FormsConfig
	Forum   ForumConfig
	Ledger  LedgerConfig
	Compose ComposeConfig
	HTTP    HTTPConfig
	Admin   AdminConfig
	Metrics MetricsConfig
}

// PollConfig drives the reconciliation loop.
type PollConfig struct {
	// Interval between scheduled reconciliation passes.
	Interval time.Duration `envconfig:"POLL_INTERVAL" default:"5m" validate:"min=10s"`

	// SourcesJSON is the source -> destination mapping, as a JSON array of
	// types.Source objects. Parsed by ParseSources.
	SourcesJSON string `envconfig:"SOURCES_JSON" validate:"required,json"`

	// RequireReferenceURL, when true, refuses to deliver a record for a
	// source whose destination has no reference URL configured.
	RequireReferenceURL bool `envconfig:"REQUIRE_REFERENCE_URL" default:"false"`

	// ReviewRoleID, when set, is mentioned in every created thread.
	ReviewRoleID string `envconfig:"REVIEW_ROLE_ID"`
}

// FormsConfig holds the source form API credentials and endpoint.
type FormsConfig struct {
	APIKey  SecretString  `envconfig:"FORMS_API_KEY" validate:"required"`
	BaseURL string        `envconfig:"FORMS_API_URL" default:"https://api.forms.example.com" validate:"url"`
	Timeout time.Duration `envconfig:"FORMS_TIMEOUT" default:"30s"`
}

// ForumConfig holds the destination forum API credentials and limits.
type ForumConfig struct {
	BotToken SecretString  `envconfig:"FORUM_BOT_TOKEN" validate:"required"`
	BaseURL  string        `envconfig:"FORUM_API_URL" default:"https://forum.example.com/api" validate:"url"`
	Timeout  time.Duration `envconfig:"FORUM_TIMEOUT" default:"30s"`

	// MessageCharLimit is the platform's per-message character limit, used
	// as the body segmentation budget.
	MessageCharLimit int `envconfig:"FORUM_MESSAGE_CHAR_LIMIT" default:"2000" validate:"min=200"`
}

// LedgerConfig selects and configures the delivery ledger backend.
type LedgerConfig struct {
	// Backend is "file" (default) or "postgres".
	Backend string `envconfig:"LEDGER_BACKEND" default:"file" validate:"oneof=file postgres"`

	// Path is the ledger file location for the file backend.
	Path string `envconfig:"LEDGER_PATH" default:"delivered.json"`

	// DatabaseURL is the connection string for the postgres backend.
	DatabaseURL SecretString `envconfig:"LEDGER_DATABASE_URL"`
}

// ComposeConfig tunes message composition heuristics.
type ComposeConfig struct {
	// ProjectHints are label substrings (case-insensitive) that identify
	// the project-name field promoted into the thread title.
	ProjectHints []string `envconfig:"COMPOSE_PROJECT_HINTS" default:"project name,name of project,project title"`

	// CostHints identify the cost field appended to the title.
	CostHints []string `envconfig:"COMPOSE_COST_HINTS" default:"total cost,budget,funding amount,requested amount"`

	// AuditHints suppress the title cost when any field label matches.
	AuditHints []string `envconfig:"COMPOSE_AUDIT_HINTS" default:"audit"`

	// ExplorerBaseURL prefixes validated account addresses found in body
	// text to build explorer links.
	ExplorerBaseURL string `envconfig:"COMPOSE_EXPLORER_URL" default:"https://polkadot.subscan.io/account/" validate:"url"`
}

// HTTPConfig is the outbound HTTP resilience policy shared by the forms and
// forum clients. Retries default to zero: the reconciliation loop already
// re-attempts undelivered work on the next tick, so in-call retries are an
// opt-in for deployments with flaky upstreams.
type HTTPConfig struct {
	MaxRetries int           `envconfig:"HTTP_MAX_RETRIES" default:"0" validate:"min=0,max=5"`
	MinWait    time.Duration `envconfig:"HTTP_RETRY_MIN_WAIT" default:"500ms"`
	MaxWait    time.Duration `envconfig:"HTTP_RETRY_MAX_WAIT" default:"10s"`
}

// AdminConfig configures the local operations HTTP server.
type AdminConfig struct {
	Enabled bool   `envconfig:"ADMIN_ENABLED" default:"true"`
	Port    string `envconfig:"ADMIN_PORT" default:"8080"`
}

// MetricsConfig selects the delivery metrics backend.
type MetricsConfig struct {
	// Backend is "none" (default) or "cloudwatch".
	Backend   string `envconfig:"METRICS_BACKEND" default:"none" validate:"oneof=none cloudwatch"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"FormRelay"`
	Region    string `envconfig:"METRICS_AWS_REGION" default:"us-east-1"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrParsing indicates environment values failed to parse into their
	// target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrSources indicates SOURCES_JSON was malformed or empty.
	ErrSources ConfigErrorType = "SOURCES_INVALID"
)
