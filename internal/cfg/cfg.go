package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/linnemanlabs-relay/internal/log"
)

// EnvPrefix is the prefix FillFromEnv is called with by the relay daemon.
const EnvPrefix = "RELAY_"

type App struct {
	LogJSON           bool
	LogLevel          string
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceStdout       bool
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	EnvFile           string

	TargetURL      string
	Method         string
	Route          string
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxBody        int64

	DefaultsFile      string
	DefaultsSSMParam  string
	DefaultsPoll      time.Duration
	DefaultsEnvPrefix string

	RateLimitRPS   float64
	RateLimitBurst int
	RetryMax       int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.TraceStdout, "trace-stdout", false, "write spans to stderr instead of otlp-endpoint")
	fs.StringVar(&c.EnvFile, "env-file", "", "dotenv file loaded before reading env vars (existing env wins)")

	fs.StringVar(&c.TargetURL, "target-url", "", "upstream URL every relay request is sent to")
	fs.StringVar(&c.Method, "method", http.MethodGet, "HTTP method of relay requests")
	fs.StringVar(&c.Route, "route", "upstream", "route label for relay request metrics")
	fs.DurationVar(&c.Interval, "interval", 30*time.Second, "time between relay requests")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", 10*time.Second, "deadline for one relay request including retries")
	fs.Int64Var(&c.MaxBody, "max-body", 10<<20, "max upstream response body bytes")

	fs.StringVar(&c.DefaultsFile, "defaults-file", "", "YAML file with middleware default overrides")
	fs.StringVar(&c.DefaultsSSMParam, "defaults-ssm-param", "", "ssm parameter holding the middleware defaults YAML document")
	fs.DurationVar(&c.DefaultsPoll, "defaults-poll", 0, "poll interval for defaults-file or defaults-ssm-param changes (0 loads once at startup)")
	fs.StringVar(&c.DefaultsEnvPrefix, "defaults-env-prefix", "RELAY_MW_", "env prefix overlaying the defaults document (empty disables)")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 0, "rate_limit rps for this relay's chain (0 keeps the registry default)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 0, "rate_limit burst for this relay's chain (0 keeps the registry default)")
	fs.IntVar(&c.RetryMax, "retry-max", -1, "retry max for this relay's chain (-1 keeps the registry default)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// LoadEnvFile loads KEY=value pairs from path into the process
// environment without overriding variables that are already set. An empty
// path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing && !c.TraceStdout {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Upstream target
	if c.TargetURL == "" {
		errs = append(errs, fmt.Errorf("TARGET_URL is required"))
	} else if u, err := url.Parse(c.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("TARGET_URL must be an http(s) URL (got %q)", c.TargetURL))
	}
	if c.Method == "" || strings.ToUpper(c.Method) != c.Method {
		errs = append(errs, fmt.Errorf("METHOD must be an upper-case HTTP method (got %q)", c.Method))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("INTERVAL must be positive (got %s)", c.Interval))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive (got %s)", c.RequestTimeout))
	}
	if c.MaxBody <= 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY must be positive (got %d)", c.MaxBody))
	}

	// Defaults document
	if c.DefaultsFile != "" && c.DefaultsSSMParam != "" {
		errs = append(errs, fmt.Errorf("DEFAULTS_FILE and DEFAULTS_SSM_PARAM are mutually exclusive"))
	}
	if c.DefaultsPoll < 0 {
		errs = append(errs, fmt.Errorf("DEFAULTS_POLL must not be negative (got %s)", c.DefaultsPoll))
	}

	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative (got %g)", c.RateLimitRPS))
	}
	if c.RateLimitBurst < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must not be negative (got %d)", c.RateLimitBurst))
	}
	if c.RetryMax < -1 || c.RetryMax > 10 {
		errs = append(errs, fmt.Errorf("RETRY_MAX must be -1..10 (got %d)", c.RetryMax))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
