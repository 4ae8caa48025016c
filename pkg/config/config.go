// Package config loads socktail settings from a JSON file, the environment
// and command-line flags. Explicit flags win over the file, and the file wins
// over built-in defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	EnvAuthKey    = "TAILSCALE_AUTH_KEY"
	EnvControlURL = "SOCKTAIL_CONTROL_URL"

	DefaultListenAddr = "127.0.0.1:1080"
	DefaultAPIAddr    = "127.0.0.1:9090"
	DefaultControlURL = "https://controlplane.tailscale.com"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration read from JSON as "10s" or as seconds
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Config holds every runtime setting
type Config struct {
	ListenAddr       string   `json:"listen_addr"`
	Hostname         string   `json:"hostname"`
	AuthKey          string   `json:"auth_key"`
	ControlURL       string   `json:"control_url"`
	NoVPN            bool     `json:"no_vpn"`
	APIAddr          string   `json:"api_addr"`
	StateDB          string   `json:"state_db"`
	DNSServer        string   `json:"dns_server"`
	DNSCacheTTL      Duration `json:"dns_cache_ttl"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
	LogLevel         string   `json:"log_level"`
	LogFormat        string   `json:"log_format"`
	ShutdownTimeout  Duration `json:"shutdown_timeout"`

	// keys present in the loaded file
	raw map[string]interface{}
}

// Default returns the built-in configuration
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "socktail"
	}

	return &Config{
		ListenAddr:      DefaultListenAddr,
		Hostname:        hostname,
		ControlURL:      DefaultControlURL,
		APIAddr:         DefaultAPIAddr,
		DNSCacheTTL:     Duration(60 * time.Second),
		LogLevel:        "info",
		LogFormat:       "console",
		ShutdownTimeout: Duration(10 * time.Second),
	}
}

// Load reads a JSON config file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg.raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// flagNames maps file keys to flag names where they differ beyond '_' vs '-'
var flagNames = map[string]string{
	"listen_addr": "listen",
	"auth_key":    "authkey",
	"api_addr":    "api",
}

func flagName(key string) string {
	if name, ok := flagNames[key]; ok {
		return name
	}
	return strings.ReplaceAll(key, "_", "-")
}

// RegisterFlags binds c's fields to flags on fs, using the current values
// as defaults
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "SOCKS5 listen address")
	fs.StringVar(&c.Hostname, "hostname", c.Hostname, "hostname to register with")
	fs.StringVar(&c.AuthKey, "authkey", c.AuthKey, "overlay auth key (or $"+EnvAuthKey+")")
	fs.StringVar(&c.ControlURL, "control-url", c.ControlURL, "control server URL (or $"+EnvControlURL+")")
	fs.BoolVar(&c.NoVPN, "no-vpn", c.NoVPN, "run as a plain SOCKS5 proxy without the overlay")
	fs.StringVar(&c.APIAddr, "api", c.APIAddr, "status API address (empty disables)")
	fs.StringVar(&c.StateDB, "state-db", c.StateDB, "SQLite registration history path (empty disables)")
	fs.StringVar(&c.DNSServer, "dns-server", c.DNSServer, "DNS server host:port for target names (empty uses the system resolver)")
	fs.DurationVar((*time.Duration)(&c.DNSCacheTTL), "dns-cache-ttl", c.DNSCacheTTL.Std(), "upper bound for cached DNS answers")
	fs.DurationVar((*time.Duration)(&c.HandshakeTimeout), "handshake-timeout", c.HandshakeTimeout.Std(), "SOCKS handshake deadline (0 disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (console, json)")
	fs.DurationVar((*time.Duration)(&c.ShutdownTimeout), "shutdown-timeout", c.ShutdownTimeout.Std(), "time allowed for sessions to finish on shutdown")
}

// ApplyToFlags sets every flag on fs that the loaded file names and the
// command line did not set explicitly. Call it after fs.Parse.
func (c *Config) ApplyToFlags(fs *flag.FlagSet) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	var errs error
	for key, val := range c.raw {
		name := flagName(key)
		f := fs.Lookup(name)
		if f == nil || explicit[name] {
			continue
		}

		var s string
		switch v := val.(type) {
		case string:
			s = v
		case bool:
			s = fmt.Sprintf("%v", v)
		case float64:
			if getter, ok := f.Value.(flag.Getter); ok {
				if _, isDur := getter.Get().(time.Duration); isDur {
					s = time.Duration(v * float64(time.Second)).String()
					break
				}
			}
			s = fmt.Sprintf("%v", v)
		default:
			continue
		}

		if err := f.Value.Set(s); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errs
}

// ApplyEnv fills the auth key and control URL from the environment when
// they are not already set
func (c *Config) ApplyEnv() {
	if c.AuthKey == "" {
		c.AuthKey = os.Getenv(EnvAuthKey)
	}
	if v := os.Getenv(EnvControlURL); v != "" && (c.ControlURL == "" || c.ControlURL == DefaultControlURL) {
		c.ControlURL = v
	}
}

// Validate reports every problem with c
func (c *Config) Validate() error {
	var errs error
	fail := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		fail("listen address %q: %v", c.ListenAddr, err)
	}
	if c.APIAddr != "" {
		if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
			fail("api address %q: %v", c.APIAddr, err)
		}
	}
	if c.DNSServer != "" {
		if _, _, err := net.SplitHostPort(c.DNSServer); err != nil {
			fail("dns server %q: %v", c.DNSServer, err)
		}
	}

	if !c.NoVPN {
		u, err := url.Parse(c.ControlURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			fail("control url %q must be an http or https URL", c.ControlURL)
		}
		if c.Hostname == "" {
			fail("hostname must not be empty")
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("log level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "text", "json":
	default:
		fail("log format %q", c.LogFormat)
	}

	if c.DNSCacheTTL < 0 {
		fail("dns cache ttl must not be negative")
	}
	if c.HandshakeTimeout < 0 {
		fail("handshake timeout must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		fail("shutdown timeout must be positive")
	}

	return errs
}

// HasAuthKey reports whether an auth key is configured. The key itself is
// never logged.
func (c *Config) HasAuthKey() bool {
	return c.AuthKey != ""
}
