// Package config loads the proxy's environment-variable surface and
// renders the "CONFIGURATION ERROR" diagnostic block printed on startup
// misconfiguration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/electric-sql/pg-proxy/internal/featureflags"
	"github.com/electric-sql/pg-proxy/internal/pgerror"
)

// DefaultPort is used when PG_PROXY_PORT is unset.
const DefaultPort = 65432

// Config is the validated environment-variable surface.
type Config struct {
	Port          int
	HTTPTunnel    bool
	Password      string
	Upstream      string
	Features      featureflags.Set
	TracingEnable bool
}

// Load reads and validates the environment, returning every ConfigError it
// finds rather than stopping at the first, so the diagnostic block lists
// every offending variable in one pass.
func Load(getenv func(string) string) (Config, []error) {
	var errs []error
	cfg := Config{Port: DefaultPort}

	if raw, ok := lookup(getenv, "PG_PROXY_PORT"); ok {
		port, httpTunnel, err := parsePort(raw)
		if err != nil {
			errs = append(errs, &pgerror.ConfigError{Variable: "PG_PROXY_PORT", Reason: err.Error()})
		} else {
			cfg.Port = port
			cfg.HTTPTunnel = httpTunnel
		}
	}

	password, ok := lookup(getenv, "PG_PROXY_PASSWORD")
	if !ok || password == "" {
		errs = append(errs, &pgerror.ConfigError{Variable: "PG_PROXY_PASSWORD", Reason: "required, but not set"})
	} else {
		cfg.Password = password
	}

	upstream, ok := lookup(getenv, "PG_PROXY_UPSTREAM")
	if !ok {
		errs = append(errs, &pgerror.ConfigError{Variable: "PG_PROXY_UPSTREAM", Reason: "required, but not set"})
	} else {
		cfg.Upstream = upstream
	}

	cfg.Features = featureflags.Parse(getenv("ELECTRIC_FEATURES"))

	if raw, ok := lookup(getenv, "PROXY_TRACING_ENABLE"); ok {
		tracing, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, &pgerror.ConfigError{Variable: "PROXY_TRACING_ENABLE", Reason: "must be a boolean"})
		} else {
			cfg.TracingEnable = tracing
		}
	}

	return cfg, errs
}

func lookup(getenv func(string) string, name string) (string, bool) {
	v := getenv(name)
	return v, v != ""
}

func parsePort(raw string) (port int, httpTunnel bool, err error) {
	if after, ok := strings.CutPrefix(raw, "http:"); ok {
		raw = after
		httpTunnel = true
	}

	port, err = strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("not a valid port number: %q", raw)
	}
	if port <= 0 || port > 65535 {
		return 0, false, fmt.Errorf("out of range: %d", port)
	}
	return port, httpTunnel, nil
}

// DiagnosticBlock renders the "CONFIGURATION ERROR" block the process
// prints to stderr and exits non-zero for, one line per offending
// variable.
func DiagnosticBlock(errs []error) string {
	var b strings.Builder
	b.WriteString("CONFIGURATION ERROR\n")
	for _, err := range errs {
		if cfgErr, ok := err.(*pgerror.ConfigError); ok {
			fmt.Fprintf(&b, "  %s: %s\n", cfgErr.Variable, cfgErr.Reason)
			continue
		}
		fmt.Fprintf(&b, "  %s\n", err.Error())
	}
	return b.String()
}

// ExitOnError prints the diagnostic block and exits the process if errs is
// non-empty. Kept as a thin wrapper so cmd/pg-proxy's main stays a few
// lines of wiring.
func ExitOnError(errs []error) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprint(os.Stderr, DiagnosticBlock(errs))
	os.Exit(1)
}
