// Package config handles loading and validating service configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/howard-nolan/avacore/internal/dispatch"
	"github.com/howard-nolan/avacore/internal/provider"
)

// Config is the top-level configuration for avacore.
type Config struct {
	Server          ServerConfig              `koanf:"server"`
	Providers       map[string]ProviderConfig `koanf:"providers"`
	ProviderTimeout time.Duration             `koanf:"provider_timeout"`
	Identity        Identity                  `koanf:"identity"`
	Log             LogConfig                 `koanf:"log"`
	Telemetry       TelemetryConfig           `koanf:"telemetry"`

	// SecretGenerated is true when no SECRET_KEY was configured and a
	// random one was made up for this process.
	SecretGenerated bool `koanf:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	SecretKey       string        `koanf:"secret_key"`
	StaticDir       string        `koanf:"static_dir"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr is the host:port to listen on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ProviderConfig holds the settings for one provider slot.
type ProviderConfig struct {
	Vendor   string `koanf:"vendor"`
	APIKey   string `koanf:"api_key"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	Priority int    `koanf:"priority"`
}

// Identity is the static owner metadata published by the status endpoint.
type Identity struct {
	Owner      string `koanf:"owner" json:"owner"`
	Contact    string `koanf:"contact" json:"contact"`
	Watermark  string `koanf:"watermark" json:"watermark"`
	Timestamp  string `koanf:"timestamp" json:"timestamp"`
	Repository string `koanf:"repository" json:"repository"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `koanf:"level"`
}

// TelemetryConfig points tracing at an OTLP collector. Empty disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// ---------------------------------------------------------------------------
// Provider slots and the environment
// ---------------------------------------------------------------------------

// slot is a provider position that exists even when unconfigured, so the
// status endpoint can report it as unavailable.
type slot struct {
	name      string
	priority  int
	envPrefix string
	vendor    string
}

var slots = []slot{
	{name: "primary", priority: 1, envPrefix: "PRIMARY_PROVIDER", vendor: "anthropic"},
	{name: "secondary", priority: 2, envPrefix: "SECONDARY_PROVIDER", vendor: "openai"},
}

// extraSlotPriority is where slots added only in the YAML file land when
// they don't set a priority of their own.
const extraSlotPriority = 100

// CredentialEnvVars lists the variables that enable a provider.
func CredentialEnvVars() []string {
	names := make([]string, 0, len(slots))
	for _, s := range slots {
		names = append(names, s.envPrefix+"_KEY")
	}
	return names
}

// envKeys maps every recognized environment variable to its koanf key.
// Anything not listed here is ignored.
var envKeys = func() map[string]string {
	m := map[string]string{
		"SECRET_KEY":                  "server.secret_key",
		"BIND_HOST":                   "server.host",
		"BIND_PORT":                   "server.port",
		"STATIC_DIR":                  "server.static_dir",
		"PROVIDER_TIMEOUT":            "provider_timeout",
		"LOG_LEVEL":                   "log.level",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "telemetry.otlp_endpoint",
	}
	for _, s := range slots {
		m[s.envPrefix+"_KEY"] = "providers." + s.name + ".api_key"
		m[s.envPrefix+"_VENDOR"] = "providers." + s.name + ".vendor"
		m[s.envPrefix+"_MODEL"] = "providers." + s.name + ".model"
		m[s.envPrefix+"_BASE_URL"] = "providers." + s.name + ".base_url"
	}
	return m
}()

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// DefaultPath is the YAML file read when AVACORE_CONFIG is unset.
const DefaultPath = "config.yaml"

// Path returns the config file to load: $AVACORE_CONFIG if set, else
// DefaultPath if it exists, else "" (environment only).
func Path() string {
	if p := os.Getenv("AVACORE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load reads configuration once: an optional .env file into the process
// environment, then the YAML file at path (skipped when path is ""), then
// the recognized environment variables on top, then defaults for anything
// still unset.
//
// Missing provider credentials are not an error. The service starts and
// reports itself as not dispatch-ready.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s does not exist", path)
			}
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Layer the environment on top. Only the variables in envKeys count,
	// and an empty value never overrides the file.
	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		mapped, ok := envKeys[key]
		if !ok || value == "" {
			return "", nil
		}
		return mapped, value
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in API keys. koanf doesn't do this
	// on its own.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			p.APIKey = os.Getenv(p.APIKey[2 : len(p.APIKey)-1])
			cfg.Providers[name] = p
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "web"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = provider.DefaultTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Server.SecretKey == "" {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating session secret: %w", err)
		}
		c.Server.SecretKey = secret
		c.SecretGenerated = true
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for _, s := range slots {
		p := c.Providers[s.name]
		if p.Priority == 0 {
			p.Priority = s.priority
		}
		if p.Vendor == "" {
			p.Vendor = s.vendor
		}
		c.Providers[s.name] = p
	}
	for name, p := range c.Providers {
		if p.Priority == 0 {
			p.Priority = extraSlotPriority
		}
		if p.Model == "" {
			p.Model = provider.DefaultModel(p.Vendor)
		}
		c.Providers[name] = p
	}

	// Runs after the slot loops so extra slots count. A chat request may
	// spend the read timeout on its body and then walk every provider.
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = c.Server.ReadTimeout +
			time.Duration(len(c.Providers))*c.ProviderTimeout + 10*time.Second
	}

	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.ProviderTimeout < 0 {
		return fmt.Errorf("provider_timeout must be positive, got %s", c.ProviderTimeout)
	}
	for name, p := range c.Providers {
		if !provider.KnownVendor(p.Vendor) {
			return fmt.Errorf("provider %q: unknown vendor %q (known: %v)", name, p.Vendor, provider.Vendors())
		}
	}
	return nil
}

// randomSecret returns 32 random bytes, hex-encoded. Sessions signed with
// it do not survive a restart.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ---------------------------------------------------------------------------
// Provider list
// ---------------------------------------------------------------------------

// Descriptors builds the dispatcher's provider list: one descriptor per
// slot, in name order (the dispatcher then sorts by priority). A slot with
// no credential gets no adapter.
//
// The result depends only on the configuration, so the same environment
// always yields the same list.
func (c *Config) Descriptors(httpClient *http.Client) ([]dispatch.Descriptor, error) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	descs := make([]dispatch.Descriptor, 0, len(names))
	for _, name := range names {
		p := c.Providers[name]

		var client provider.Provider
		if p.APIKey != "" {
			var err error
			client, err = provider.New(p.Vendor, p.APIKey, p.BaseURL, httpClient, provider.WithTimeout(c.ProviderTimeout))
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", name, err)
			}
		}

		descs = append(descs, dispatch.NewDescriptor(name, p.Model, p.Priority, p.APIKey, client))
	}

	return descs, nil
}
