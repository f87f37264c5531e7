package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// appConfig is the Daemon's resolved configuration (spec.md §3/§6):
// flags override environment variables override defaults, immutable once
// parseFlags returns.
type appConfig struct {
	listenBind string
	listenPort int

	dockerHost string
	dockerRef  string

	ghAccessToken  string
	ghOrganization string

	logFormat   string
	logLevel    string
	verbose     bool
	useJournald bool

	metricsAddr     string
	logMetricsEvery time.Duration

	handshakeTO   time.Duration
	sessionReadTO time.Duration
	clientKeepAlive time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listenBind := flag.String("listen-bind", "0.0.0.0", "TCP bind address")
	listenPort := flag.Int("listen-port", 1337, "TCP bind port")
	dockerHost := flag.String("docker-host", "", "Container engine URL (e.g. unix:///var/run/docker.sock)")
	dockerRef := flag.String("docker-ref", "", "Runner image reference")
	ghAccessToken := flag.String("gh-access-token", "", "GitHub Actions runner registration token, forwarded to the runner container")
	ghOrganization := flag.String("gh-organization", "", "GitHub organization the runner registers against")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "trace", "Log level: trace|debug|info|warn|error")
	verbose := flag.Bool("verbose", false, "Widen log scope (equivalent to VERBOSE!=0)")
	useJournald := flag.Bool("use-journald", false, "Log to journald instead of stderr (falls back to stderr with a warning on hosts without one)")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Crypto handshake + hello timeout")
	sessionReadTO := flag.Duration("session-read-timeout", 5*time.Second, "Per-connection read deadline once a session is established")
	clientKeepAlive := flag.Duration("client-keepalive", 2*time.Second, "TCP keep-alive period for Link connections")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenBind = *listenBind
	cfg.listenPort = *listenPort
	cfg.dockerHost = *dockerHost
	cfg.dockerRef = *dockerRef
	cfg.ghAccessToken = *ghAccessToken
	cfg.ghOrganization = *ghOrganization
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.verbose = *verbose
	cfg.useJournald = *useJournald
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.handshakeTO = *handshakeTO
	cfg.sessionReadTO = *sessionReadTO
	cfg.clientKeepAlive = *clientKeepAlive

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not dial Docker or bind a listener — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.listenPort <= 0 || c.listenPort > 65535 {
		return fmt.Errorf("listen-port must be in 1..65535 (got %d)", c.listenPort)
	}
	if c.dockerRef == "" {
		return errors.New("docker-ref is required")
	}
	if c.ghAccessToken == "" {
		return errors.New("gh-access-token is required")
	}
	if c.ghOrganization == "" {
		return errors.New("gh-organization is required")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.sessionReadTO <= 0 {
		return errors.New("session-read-timeout must be > 0")
	}
	if c.clientKeepAlive <= 0 {
		return errors.New("client-keepalive must be > 0")
	}
	return nil
}

// applyEnvOverrides maps the environment variables named in spec.md §6
// (plus the supplemental METRICS_ADDR/LOG_METRICS_INTERVAL ambient knobs)
// onto cfg, unless the corresponding flag was explicitly set. Boolean and
// numeric parsing is lax: empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen-bind"]; !ok {
		if v, ok := get("LINK_SERVER_BIND"); ok && v != "" {
			c.listenBind = v
		}
	}
	if _, ok := set["listen-port"]; !ok {
		if v, ok := get("LINK_SERVER_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.listenPort = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid LINK_SERVER_PORT: %w", err)
			}
		}
	}
	if _, ok := set["docker-host"]; !ok {
		if v, ok := get("DOCKER_HOST"); ok && v != "" {
			c.dockerHost = v
		}
	}
	if _, ok := set["docker-ref"]; !ok {
		if v, ok := get("DOCKER_REF"); ok && v != "" {
			c.dockerRef = v
		}
	}
	if _, ok := set["gh-access-token"]; !ok {
		if v, ok := get("GH_ACCESS_TOKEN"); ok && v != "" {
			c.ghAccessToken = v
		}
	}
	if _, ok := set["gh-organization"]; !ok {
		if v, ok := get("GH_ORGANIZATION"); ok && v != "" {
			c.ghOrganization = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["verbose"]; !ok {
		if v, ok := get("VERBOSE"); ok && v != "" {
			c.verbose = v != "0"
		}
	}
	if _, ok := set["use-journald"]; !ok {
		if v, ok := get("USE_JOURNALD"); ok && v != "" {
			c.useJournald = v != "0"
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("METRICS_ADDR"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
