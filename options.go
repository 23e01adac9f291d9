package hyoka

import (
	"log/slog"

	"github.com/ashita-ai/hyoka/internal/feedback"
)

// Option configures a Session.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	sqlitePath  string
	tablePrefix string
	logger      *slog.Logger
	version     string
	stream      Stream
	noEnvFile   bool
	registry    []feedback.RegistryOption
	rates       map[string]providerRate
}

type providerRate struct {
	rps   float64
	burst int
}

// WithPort overrides the TCP port from config (HYOKA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL selects the postgres backend at url (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath selects the sqlite backend stored at path (HYOKA_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithTablePrefix overrides the table name prefix (HYOKA_TABLE_PREFIX env var).
func WithTablePrefix(prefix string) Option {
	return func(o *resolvedOptions) { o.tablePrefix = prefix }
}

// WithLogger sets the structured logger for the Session.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStream replaces the configured remote stream (HYOKA_REMOTE_STREAM).
// The Session closes it on Shutdown.
func WithStream(s Stream) Option {
	return func(o *resolvedOptions) { o.stream = s }
}

// WithoutEnvFile skips loading a .env file from the working directory.
func WithoutEnvFile() Option {
	return func(o *resolvedOptions) { o.noEnvFile = true }
}

// WithFunction registers a feedback function under name. params lists the
// argument names it reads; definitions must bind exactly these.
func WithFunction(name string, fn Func, params ...string) Option {
	return func(o *resolvedOptions) { o.registry = append(o.registry, feedback.WithFunction(name, fn, params...)) }
}

// WithProvider registers a provider family for local and deferred evaluation.
func WithProvider(p Provider) Option {
	return func(o *resolvedOptions) { o.registry = append(o.registry, feedback.WithProvider(p)) }
}

// WithRemoteProvider registers a provider family that may also run remotely.
func WithRemoteProvider(p Provider) Option {
	return func(o *resolvedOptions) { o.registry = append(o.registry, feedback.WithRemoteProvider(p)) }
}

// WithAggregator registers a named aggregator.
func WithAggregator(name string, agg Aggregator) Option {
	return func(o *resolvedOptions) { o.registry = append(o.registry, feedback.WithAggregator(name, agg)) }
}

// WithProviderRate paces calls to one provider family at rps with bursts of
// up to burst calls, overriding HYOKA_PROVIDER_RPS for that family.
func WithProviderRate(family string, rps float64, burst int) Option {
	return func(o *resolvedOptions) {
		if o.rates == nil {
			o.rates = make(map[string]providerRate)
		}
		o.rates[family] = providerRate{rps: rps, burst: burst}
	}
}
