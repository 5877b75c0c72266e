// Package cfg holds warden's service-local configuration: the API surface,
// the pipeline retry policy, the approval window, and the wiring for external
// collaborators. The go-core packages (log, httpserver, opshttp, otelx, prof)
// register their own config alongside this one in main.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config collects the warden flags.
type Config struct {
	APIPort               int
	DrainSeconds          int
	ShutdownBudgetSeconds int

	DatabaseURL string
	APIToken    string

	StageSet             string
	StageTimeoutSeconds  int
	RetryMaxAttempts     int
	RetryBaseSeconds     int
	RetryMaxDelaySeconds int

	ApprovalTTLSeconds   int
	ApprovalSweepSeconds int

	SlackWebhookURL string
	ClaudeAPIKey    string
	ClaudeModel     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.APIPort, "api-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 10, "total seconds for component shutdown after drain (1..300)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on the API (empty = auth disabled)")
	fs.StringVar(&c.StageSet, "stage-set", "builtin", "stage handler set to register (supported: builtin)")
	fs.IntVar(&c.StageTimeoutSeconds, "stage-timeout-seconds", 30, "per-attempt stage timeout in seconds (1..600)")
	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", 3, "total stage attempts including the first try (1..10)")
	fs.IntVar(&c.RetryBaseSeconds, "retry-base-seconds", 2, "initial retry backoff in seconds (1..60)")
	fs.IntVar(&c.RetryMaxDelaySeconds, "retry-max-delay-seconds", 60, "retry backoff cap in seconds (retry-base-seconds..600)")
	fs.IntVar(&c.ApprovalTTLSeconds, "approval-ttl-seconds", 0, "seconds before a pending approval expires (0 = never)")
	fs.IntVar(&c.ApprovalSweepSeconds, "approval-sweep-seconds", 60, "interval between approval expiry sweeps in seconds (5..3600)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for approval notifications (empty = disabled)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for Claude approval summaries (empty = template summaries)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for approval summaries")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid API_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.StageSet != "builtin" {
		errs = append(errs, fmt.Errorf("invalid STAGE_SET %q (supported: builtin)", c.StageSet))
	}
	if c.StageTimeoutSeconds <= 0 || c.StageTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid STAGE_TIMEOUT_SECONDS %d (must be 1..600)", c.StageTimeoutSeconds))
	}
	if c.RetryMaxAttempts <= 0 || c.RetryMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS %d (must be 1..10)", c.RetryMaxAttempts))
	}
	if c.RetryBaseSeconds <= 0 || c.RetryBaseSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BASE_SECONDS %d (must be 1..60)", c.RetryBaseSeconds))
	}

	// The backoff cap must hold at least one full base interval
	if c.RetryMaxDelaySeconds < c.RetryBaseSeconds || c.RetryMaxDelaySeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX_DELAY_SECONDS %d (must be RETRY_BASE_SECONDS..600)", c.RetryMaxDelaySeconds))
	}

	if c.ApprovalTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_TTL_SECONDS %d (must be >= 0)", c.ApprovalTTLSeconds))
	}
	if c.ApprovalSweepSeconds < 5 || c.ApprovalSweepSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_SWEEP_SECONDS %d (must be 5..3600)", c.ApprovalSweepSeconds))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
