package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config holds the application settings; go-core components register
// their own alongside it.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey  string
	ClaudeModel   string
	OracleTimeout time.Duration
	SkipOracle    bool

	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	EmbedEndpoint   string
	EmbedModel      string
	EmbedAPIKey     string
	EmbedDimensions int

	RulesFile      string
	ThreadWindow   int
	SimilarityPool int

	SpoolFile    string
	SyncInterval time.Duration

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1; comma-separated to accept several during rotation")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude verification oracle")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for verification")
	fs.DurationVar(&c.OracleTimeout, "oracle-timeout", 30*time.Second, "time budget for one verification, tool rounds included")
	fs.BoolVar(&c.SkipOracle, "skip-oracle", false, "never call the verification oracle; deterministic layers only")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when no database-url is set; both empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "redis:// URL for cross-process sync locks (empty = in-process locks)")

	fs.StringVar(&c.EmbedEndpoint, "embed-endpoint", "", "OpenAI-compatible embeddings URL (empty = offline hashing embedder)")
	fs.StringVar(&c.EmbedModel, "embed-model", "", "embedding model name")
	fs.StringVar(&c.EmbedAPIKey, "embed-api-key", "", "API key for the embeddings endpoint")
	fs.IntVar(&c.EmbedDimensions, "embed-dimensions", 384, "vector length of the offline hashing embedder")

	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML file overriding the rule vocabularies (VIP senders, keywords, patterns)")
	fs.IntVar(&c.ThreadWindow, "thread-window", 10, "messages folded into an item's thread context (1..200)")
	fs.IntVar(&c.SimilarityPool, "similarity-pool", 500, "recent embedded items scanned per similarity search (1..100000)")

	fs.StringVar(&c.SpoolFile, "spool-file", "", "JSON Lines file of envelopes synced by the spool adapter")
	fs.DurationVar(&c.SyncInterval, "sync-interval", 0, "interval between scheduled syncs of every source (0 = on demand only)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for P0/P1 notifications")
}

// APITokens returns the configured bearer tokens.
func (c *Config) APITokens() []string {
	var out []string
	for _, t := range strings.Split(c.APIToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if len(c.APITokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// The oracle is optional; without it the deterministic layers decide.
	if !c.SkipOracle {
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required unless SKIP_ORACLE is set"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required unless SKIP_ORACLE is set"))
		}
	}
	if c.OracleTimeout <= 0 || c.OracleTimeout > 5*time.Minute {
		errs = append(errs, fmt.Errorf("invalid ORACLE_TIMEOUT %s (must be >0 and <=5m)", c.OracleTimeout))
	}

	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}
	if c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		errs = append(errs, fmt.Errorf("invalid REDIS_URL %q (must start with redis:// or rediss://)", c.RedisURL))
	}

	if c.EmbedEndpoint != "" && c.EmbedModel == "" {
		errs = append(errs, errors.New("EMBED_MODEL is required when EMBED_ENDPOINT is set"))
	}
	if c.EmbedDimensions <= 0 || c.EmbedDimensions > 8192 {
		errs = append(errs, fmt.Errorf("invalid EMBED_DIMENSIONS %d (must be 1..8192)", c.EmbedDimensions))
	}

	if c.ThreadWindow <= 0 || c.ThreadWindow > 200 {
		errs = append(errs, fmt.Errorf("invalid THREAD_WINDOW %d (must be 1..200)", c.ThreadWindow))
	}
	if c.SimilarityPool <= 0 || c.SimilarityPool > 100000 {
		errs = append(errs, fmt.Errorf("invalid SIMILARITY_POOL %d (must be 1..100000)", c.SimilarityPool))
	}

	if c.SyncInterval < 0 || (c.SyncInterval > 0 && c.SyncInterval < 10*time.Second) {
		errs = append(errs, fmt.Errorf("invalid SYNC_INTERVAL %s (must be 0 or >=10s)", c.SyncInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
