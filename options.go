package ollyllm

import (
	"io/fs"
	"log/slog"
	"net"
	"time"

	"github.com/ollyllm/ollyllm/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying options.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	addr            string
	databaseURL     string
	listener        net.Listener
	logger          *slog.Logger
	version         string
	claimTimeout    time.Duration
	reapInterval    time.Duration
	disableLimit    bool
	skipMigrations  bool
	extraMigrations []fs.FS
}

// apply copies option overrides onto the environment config.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.addr != "" {
		cfg.GRPCAddr = o.addr
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.claimTimeout > 0 {
		cfg.ClaimTimeout = o.claimTimeout
	}
	if o.reapInterval > 0 {
		cfg.ReapInterval = o.reapInterval
	}
	if o.disableLimit {
		cfg.RateLimitRPS = 0
	}
	if o.skipMigrations {
		cfg.SkipMigrations = true
	}
}

// WithAddr overrides the listen address from config (OLLYLLM_GRPC_ADDR env var).
func WithAddr(addr string) Option {
	return func(o *resolvedOptions) { o.addr = addr }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithListener serves on lis instead of listening on the configured address.
// Useful for tests and socket activation.
func WithListener(lis net.Listener) Option {
	return func(o *resolvedOptions) { o.listener = lis }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithClaimTimeout overrides how long a claim may stay open before the
// reaper abandons it (OLLYLLM_CLAIM_TIMEOUT env var).
func WithClaimTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.claimTimeout = d }
}

// WithReapInterval overrides how often stale claims are swept (OLLYLLM_REAP_INTERVAL env var).
func WithReapInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.reapInterval = d }
}

// WithoutRateLimit disables per-peer rate limiting regardless of config.
func WithoutRateLimit() Option {
	return func(o *resolvedOptions) { o.disableLimit = true }
}

// WithSkipMigrations skips the embedded migrations (OLLYLLM_SKIP_MIGRATIONS env var).
func WithSkipMigrations() Option {
	return func(o *resolvedOptions) { o.skipMigrations = true }
}

// WithExtraMigrations adds a SQL migration filesystem to run after the
// embedded migrations. Filesystems are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
