package cfg

import (
	"flag"
	"math"
	"slices"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		APIToken:              "test-token-123",
		ClaudeAPIKey:          "sk-test-key",
		ClaudeModel:           "claude-sonnet-4-20250514",
		OracleTimeout:         30 * time.Second,
		EmbedDimensions:       384,
		ThreadWindow:          10,
		SimilarityPool:        500,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"DrainSeconds", c.DrainSeconds, 60},
		{"ShutdownBudgetSeconds", c.ShutdownBudgetSeconds, 90},
		{"APIPort", c.APIPort, 8080},
		{"ClaudeModel", c.ClaudeModel, "claude-sonnet-4-20250514"},
		{"OracleTimeout", c.OracleTimeout, 30 * time.Second},
		{"SkipOracle", c.SkipOracle, false},
		{"EmbedDimensions", c.EmbedDimensions, 384},
		{"ThreadWindow", c.ThreadWindow, 10},
		{"SimilarityPool", c.SimilarityPool, 500},
		{"SyncInterval", c.SyncInterval, time.Duration(0)},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Errorf("%s = %v, want %v", ch.name, ch.got, ch.want)
		}
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-api-token", "a, b",
		"-claude-api-key", "sk-override",
		"-claude-model", "claude-opus-4-20250514",
		"-oracle-timeout", "45s",
		"-skip-oracle",
		"-sqlite-path", "/var/lib/intake/intake.db",
		"-redis-url", "redis://cache:6379/2",
		"-embed-endpoint", "http://ollama:11434/v1/embeddings",
		"-embed-model", "nomic-embed-text",
		"-rules-file", "/etc/intake/rules.yaml",
		"-thread-window", "20",
		"-similarity-pool", "2000",
		"-spool-file", "/var/spool/intake.jsonl",
		"-sync-interval", "5m",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"DrainSeconds", c.DrainSeconds, 30},
		{"ShutdownBudgetSeconds", c.ShutdownBudgetSeconds, 120},
		{"APIPort", c.APIPort, 9090},
		{"ClaudeAPIKey", c.ClaudeAPIKey, "sk-override"},
		{"ClaudeModel", c.ClaudeModel, "claude-opus-4-20250514"},
		{"OracleTimeout", c.OracleTimeout, 45 * time.Second},
		{"SkipOracle", c.SkipOracle, true},
		{"SQLitePath", c.SQLitePath, "/var/lib/intake/intake.db"},
		{"RedisURL", c.RedisURL, "redis://cache:6379/2"},
		{"EmbedEndpoint", c.EmbedEndpoint, "http://ollama:11434/v1/embeddings"},
		{"EmbedModel", c.EmbedModel, "nomic-embed-text"},
		{"RulesFile", c.RulesFile, "/etc/intake/rules.yaml"},
		{"ThreadWindow", c.ThreadWindow, 20},
		{"SimilarityPool", c.SimilarityPool, 2000},
		{"SpoolFile", c.SpoolFile, "/var/spool/intake.jsonl"},
		{"SyncInterval", c.SyncInterval, 5 * time.Minute},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Errorf("%s = %v, want %v", ch.name, ch.got, ch.want)
		}
	}
	if got := c.APITokens(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("APITokens = %q", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mut func(*Config)) Config {
		c := validBase()
		mut(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name: "defaults are valid",
			cfg:  validBase(),
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.ThreadWindow, c.SimilarityPool, c.EmbedDimensions = 1, 1, 1
			}),
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.ThreadWindow, c.SimilarityPool, c.EmbedDimensions = 200, 100000, 8192
				c.OracleTimeout = 5 * time.Minute
			}),
		},
		{
			name: "skip oracle needs no claude settings",
			cfg: with(func(c *Config) {
				c.SkipOracle = true
				c.ClaudeAPIKey, c.ClaudeModel = "", ""
			}),
		},
		{
			name: "full stack",
			cfg: with(func(c *Config) {
				c.DatabaseURL = "postgres://intake@db/intake"
				c.RedisURL = "rediss://cache:6380"
				c.EmbedEndpoint, c.EmbedModel = "http://e/v1/embeddings", "m"
				c.SyncInterval = 10 * time.Second
			}),
		},
		// Drain and budget
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "budget negative",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Required strings
		{
			name:      "empty api token",
			cfg:       with(func(c *Config) { c.APIToken = "" }),
			wantErr:   true,
			errSubstr: []string{"API_TOKEN"},
		},
		{
			name:      "only separators in api token",
			cfg:       with(func(c *Config) { c.APIToken = " , ," }),
			wantErr:   true,
			errSubstr: []string{"API_TOKEN"},
		},
		{
			name:      "empty claude api key",
			cfg:       with(func(c *Config) { c.ClaudeAPIKey = "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name:      "empty claude model",
			cfg:       with(func(c *Config) { c.ClaudeModel = "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:      "oracle timeout zero",
			cfg:       with(func(c *Config) { c.OracleTimeout = 0 }),
			wantErr:   true,
			errSubstr: []string{"ORACLE_TIMEOUT"},
		},
		// Storage and transport
		{
			name: "postgres and sqlite",
			cfg: with(func(c *Config) {
				c.DatabaseURL, c.SQLitePath = "postgres://x", "/tmp/x.db"
			}),
			wantErr:   true,
			errSubstr: []string{"mutually exclusive"},
		},
		{
			name:      "redis url scheme",
			cfg:       with(func(c *Config) { c.RedisURL = "cache:6379" }),
			wantErr:   true,
			errSubstr: []string{"REDIS_URL"},
		},
		{
			name:      "embed endpoint without model",
			cfg:       with(func(c *Config) { c.EmbedEndpoint = "http://e" }),
			wantErr:   true,
			errSubstr: []string{"EMBED_MODEL"},
		},
		{
			name:      "embed dimensions zero",
			cfg:       with(func(c *Config) { c.EmbedDimensions = 0 }),
			wantErr:   true,
			errSubstr: []string{"EMBED_DIMENSIONS"},
		},
		// Pipeline tuning
		{
			name:      "thread window too large",
			cfg:       with(func(c *Config) { c.ThreadWindow = 201 }),
			wantErr:   true,
			errSubstr: []string{"THREAD_WINDOW"},
		},
		{
			name:      "similarity pool zero",
			cfg:       with(func(c *Config) { c.SimilarityPool = 0 }),
			wantErr:   true,
			errSubstr: []string{"SIMILARITY_POOL"},
		},
		{
			name:      "sync interval too short",
			cfg:       with(func(c *Config) { c.SyncInterval = time.Second }),
			wantErr:   true,
			errSubstr: []string{"SYNC_INTERVAL"},
		},
		{
			name:      "sync interval negative",
			cfg:       with(func(c *Config) { c.SyncInterval = -time.Minute }),
			wantErr:   true,
			errSubstr: []string{"SYNC_INTERVAL"},
		},
		// Error accumulation
		{
			name:    "all fields invalid",
			cfg:     Config{},
			wantErr: true,
			errSubstr: []string{
				"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_TOKEN",
				"CLAUDE_API_KEY", "CLAUDE_MODEL", "ORACLE_TIMEOUT", "EMBED_DIMENSIONS",
				"THREAD_WINDOW", "SIMILARITY_POOL",
			},
		},
		{
			name:      "extreme negative values",
			cfg:       Config{DrainSeconds: math.MinInt32, ShutdownBudgetSeconds: math.MinInt32, APIPort: math.MinInt32},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, window int
		key, model, token           string
		skip                        bool
	}{
		{60, 90, 8080, 10, "sk-test", "claude-sonnet", "tok", false},
		{1, 2, 1, 1, "k", "m", "t", false},
		{299, 300, 65535, 200, "k", "m", "t", false},
		{0, 0, 0, 0, "", "", "", false},
		{60, 90, 8080, 10, "", "", "tok", true},
		{300, 300, 65535, 201, "k", "m", "t", false},
		{150, 100, 8080, 10, "k", "m", ",", false},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", "", "", true},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "", "", "", false},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.window, s.key, s.model, s.token, s.skip)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, window int, key, model, token string, skip bool) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.ThreadWindow = window
		c.ClaudeAPIKey = key
		c.ClaudeModel = model
		c.APIToken = token
		c.SkipOracle = skip
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		windowOK := window >= 1 && window <= 200
		oracleOK := skip || (key != "" && model != "")
		tokenOK := len(c.APITokens()) > 0

		allValid := drainOK && budgetOK && portOK && crossOK && windowOK && oracleOK && tokenOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
