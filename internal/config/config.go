// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// A .env file in the working directory, when present, is loaded first and
// never overrides variables already set in the environment. Startup fails if
// any field tagged "required" is missing.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/maefbyyas/maef-backend/internal/notify"
	"github.com/maefbyyas/maef-backend/internal/queue"
	"github.com/maefbyyas/maef-backend/internal/store"
	"github.com/maefbyyas/maef-backend/internal/worker"
)

// Config holds all application configuration sourced from environment variables.
// Field defaults match .env.example.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	// Comma-separated CIDRs of trusted reverse proxies; empty = no proxy.
	TrustedProxies    string        `env:"TRUSTED_PROXIES"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`
	// Uploads per second allowed per client IP, with burst UploadBurst.
	UploadRate  float64 `env:"UPLOAD_RATE"  envDefault:"2"`
	UploadBurst int     `env:"UPLOAD_BURST" envDefault:"10"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	WorkerConcurrency       int           `env:"WORKER_CONCURRENCY"        envDefault:"4"`
	WorkerPollInterval      time.Duration `env:"WORKER_POLL_INTERVAL"      envDefault:"2s"`
	WorkerStaleAfter        time.Duration `env:"WORKER_STALE_AFTER"        envDefault:"5m"`
	WorkerReapInterval      time.Duration `env:"WORKER_REAP_INTERVAL"      envDefault:"1m"`
	WorkerHeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// ── Jobs ─────────────────────────────────────────────────────────────────────
	JobDefaultTimeout time.Duration `env:"JOB_DEFAULT_TIMEOUT"  envDefault:"2m"`
	JobMaxAttempts    int           `env:"JOB_MAX_ATTEMPTS"     envDefault:"5"`
	JobBackoffBase    time.Duration `env:"JOB_BACKOFF_BASE"     envDefault:"10s"`
	JobBackoffMax     time.Duration `env:"JOB_BACKOFF_MAX"      envDefault:"1h"`
	JobBackoffJitter  bool          `env:"JOB_BACKOFF_JITTER"   envDefault:"true"`
	JobRetention      time.Duration `env:"JOB_RETENTION"        envDefault:"168h"`
	JobPruneBatchSize int           `env:"JOB_PRUNE_BATCH_SIZE" envDefault:"1000"`
	JobPruneInterval  time.Duration `env:"JOB_PRUNE_INTERVAL"   envDefault:"1h"`
	ScheduleFile      string        `env:"SCHEDULE_FILE"`
	SchedulerEnabled  bool          `env:"SCHEDULER_ENABLED"    envDefault:"true"`

	// ── Blob store ───────────────────────────────────────────────────────────────
	BlobInlineThreshold int64 `env:"BLOB_INLINE_THRESHOLD" envDefault:"1048576"`
	BlobMaxSize         int64 `env:"BLOB_MAX_SIZE"         envDefault:"52428800"`
	BlobChunkSize       int   `env:"BLOB_CHUNK_SIZE"       envDefault:"262144"`
	// Comma-separated MIME types accepted on upload; empty accepts all.
	BlobAllowedTypes []string `env:"BLOB_ALLOWED_TYPES" envSeparator:","`

	// ── Story ingest (Instagram Graph API) ───────────────────────────────────────
	IGAccessToken       string        `env:"IG_ACCESS_TOKEN"`
	IGUserID            string        `env:"IG_USER_ID"`
	IGAPIBaseURL        string        `env:"IG_API_BASE_URL"       envDefault:"https://graph.instagram.com"`
	StoryIngestInterval time.Duration `env:"STORY_INGEST_INTERVAL" envDefault:"10m"`

	// ── Outbound webhooks ────────────────────────────────────────────────────────
	WebhookSigningSecret          string        `env:"WEBHOOK_SIGNING_SECRET"`
	WebhookSigningSecretSecondary string        `env:"WEBHOOK_SIGNING_SECRET_SECONDARY"`
	OutboundHTTPTimeout           time.Duration `env:"OUTBOUND_HTTP_TIMEOUT" envDefault:"10s"`

	// ── Transactional email (SMTP) ───────────────────────────────────────────────
	// Empty SMTPHost disables the mail.send job kind.
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT"      envDefault:"587"`
	SMTPFrom     string `env:"SMTP_FROM"      envDefault:"orders@maef.in"`
	SMTPFromName string `env:"SMTP_FROM_NAME" envDefault:"maef"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"       envDefault:"true"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present), parses Config from the environment and
// validates it.
func Load() (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()
	return Parse(nil)
}

// Parse builds Config from environ (KEY -> value) instead of the process
// environment when environ is non-nil. Used by tests.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	var problems []string
	if c.WorkerConcurrency < 1 {
		problems = append(problems, "WORKER_CONCURRENCY must be at least 1")
	}
	if c.WorkerHeartbeatInterval >= c.WorkerStaleAfter {
		problems = append(problems, "WORKER_HEARTBEAT_INTERVAL must be shorter than WORKER_STALE_AFTER")
	}
	if c.JobMaxAttempts < 1 {
		problems = append(problems, "JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.JobBackoffBase < 0 || c.JobBackoffMax < c.JobBackoffBase {
		problems = append(problems, "JOB_BACKOFF_MAX must be at least JOB_BACKOFF_BASE")
	}
	if c.BlobInlineThreshold < 0 || c.BlobMaxSize < 1 || c.BlobInlineThreshold > c.BlobMaxSize {
		problems = append(problems, "BLOB_INLINE_THRESHOLD must be between 0 and BLOB_MAX_SIZE")
	}
	if c.BlobChunkSize < 1 {
		problems = append(problems, "BLOB_CHUNK_SIZE must be positive")
	}
	if (c.IGAccessToken == "") != (c.IGUserID == "") {
		problems = append(problems, "IG_ACCESS_TOKEN and IG_USER_ID must be set together")
	}
	if c.StoryIngestInterval < time.Second {
		problems = append(problems, "STORY_INGEST_INTERVAL must be at least 1s")
	}
	if c.SMTPHost != "" && (c.SMTPPort < 1 || c.SMTPPort > 65535) {
		problems = append(problems, "SMTP_PORT must be a valid port")
	}
	if _, err := parsePrefixes(c.TrustedProxies); err != nil {
		problems = append(problems, "TRUSTED_PROXIES: "+err.Error())
	}
	switch c.DBQueryExecMode {
	case "simple_protocol", "extended_protocol":
	default:
		problems = append(problems, fmt.Sprintf("DB_QUERY_EXEC_MODE %q is not simple_protocol or extended_protocol", c.DBQueryExecMode))
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// StoriesEnabled reports whether Instagram credentials are configured.
func (c *Config) StoriesEnabled() bool {
	return c.IGAccessToken != "" && c.IGUserID != ""
}

// TrustedProxyPrefixes returns the parsed TRUSTED_PROXIES list. A bare
// address is treated as a single-host prefix.
func (c *Config) TrustedProxyPrefixes() []netip.Prefix {
	prefixes, _ := parsePrefixes(c.TrustedProxies)
	return prefixes
}

func parsePrefixes(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// MailEnabled reports whether an SMTP relay is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}

// SMTP is the mail relay configuration described by the SMTP_* settings.
func (c *Config) SMTP() notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		From:     c.SMTPFrom,
		FromName: c.SMTPFromName,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		TLS:      c.SMTPTLS,
	}
}

// RetryPolicy is the job retry policy described by the JOB_* settings.
func (c *Config) RetryPolicy() queue.Policy {
	return queue.Policy{
		MaxAttempts: c.JobMaxAttempts,
		BackoffBase: c.JobBackoffBase,
		BackoffMax:  c.JobBackoffMax,
		Jitter:      c.JobBackoffJitter,
	}
}

// BlobLimits is the blob store configuration described by the BLOB_* settings.
func (c *Config) BlobLimits() store.BlobLimits {
	return store.BlobLimits{
		InlineThreshold: c.BlobInlineThreshold,
		MaxSize:         c.BlobMaxSize,
		ChunkSize:       c.BlobChunkSize,
		AllowedTypes:    c.BlobAllowedTypes,
	}
}

// WorkerConfig is the pool configuration described by the WORKER_* settings.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Concurrency:       c.WorkerConcurrency,
		PollInterval:      c.WorkerPollInterval,
		StaleAfter:        c.WorkerStaleAfter,
		ReapInterval:      c.WorkerReapInterval,
		HeartbeatInterval: c.WorkerHeartbeatInterval,
		DefaultTimeout:    c.JobDefaultTimeout,
	}
}
