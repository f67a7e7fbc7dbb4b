package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath      = "CONFIG_PATH"
	EnvDBConnection    = "DB_CONNECTION"
	EnvHost            = "GATEWAY_HOST"
	EnvPort            = "GATEWAY_PORT"
	EnvAdminKey        = "ADMIN_KEY"
	EnvProxyURL        = "PROXY_URL"
	EnvLogFile         = "LOG_FILE"
	EnvRedactSensitive = "EVENT_REDACT_SENSITIVE"
)

// Defaults applied by Resolve when no layer set a value.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8787
	// DefaultDSN is a SQLite file; parent directories are created on open.
	DefaultDSN = "data/gateway.db"
)

// Options is one partially resolved configuration layer. Nil fields mean the
// layer carries no value; Merge keeps the first non-nil per field.
type Options struct {
	Host            *string
	Port            *int
	AdminKey        *string
	DatabaseDSN     *string
	ProxyURL        *string
	LogFile         *string
	RedactSensitive *bool
}

// Config is the fully resolved boot configuration before the persisted
// settings overlay.
type Config struct {
	Host            string
	Port            int
	AdminKey        string
	DatabaseDSN     string
	ProxyURL        string
	LogFile         string
	RedactSensitive bool
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// placeholderPattern matches shell substitutions that survived expansion,
// e.g. a compose file forwarding ${ADMIN_KEY} with no value set.
var placeholderPattern = regexp.MustCompile(`^\$\{[A-Za-z_][A-Za-z0-9_]*\}$`)

// Scrub treats unexpanded ${NAME} placeholders as unset.
func Scrub(s string) string {
	trimmed := strings.TrimSpace(s)
	if placeholderPattern.MatchString(trimmed) {
		return ""
	}
	return trimmed
}

func stringOpt(s string) *string {
	if v := Scrub(s); v != "" {
		return &v
	}
	return nil
}

// LoadFromEnv reads one Options layer from the environment.
func LoadFromEnv() Options {
	opts := Options{
		Host:        stringOpt(os.Getenv(EnvHost)),
		AdminKey:    stringOpt(os.Getenv(EnvAdminKey)),
		DatabaseDSN: stringOpt(os.Getenv(EnvDBConnection)),
		ProxyURL:    stringOpt(os.Getenv(EnvProxyURL)),
		LogFile:     stringOpt(os.Getenv(EnvLogFile)),
	}
	if raw := Scrub(os.Getenv(EnvPort)); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 && port <= 65535 {
			opts.Port = &port
		}
	}
	if raw := Scrub(os.Getenv(EnvRedactSensitive)); raw != "" {
		if redact, err := strconv.ParseBool(raw); err == nil {
			opts.RedactSensitive = &redact
		}
	}
	return opts
}

// LoadFromFile reads one Options layer from a YAML config file. A missing
// file is not an error; boot proceeds on the other layers.
func LoadFromFile(configPath string) (Options, error) {
	// fileConfig maps the YAML fields this layer understands.
	type fileConfig struct {
		Host        string `yaml:"host"`
		Port        *int   `yaml:"port"`
		AdminKey    string `yaml:"admin-key"`
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
		ProxyURL        string `yaml:"proxy-url"`
		LogFile         string `yaml:"log-file"`
		RedactSensitive *bool  `yaml:"event-redact-sensitive"`
	}

	data, errRead := os.ReadFile(configPath)
	if errRead != nil {
		if os.IsNotExist(errRead) {
			return Options{}, nil
		}
		return Options{}, fmt.Errorf("config: read config file: %w", errRead)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return Options{}, fmt.Errorf("config: parse config file: %w", errUnmarshal)
	}

	opts := Options{
		Host:     stringOpt(cfg.Host),
		AdminKey: stringOpt(cfg.AdminKey),
		ProxyURL: stringOpt(cfg.ProxyURL),
		LogFile:  stringOpt(cfg.LogFile),
	}
	if cfg.Port != nil && *cfg.Port > 0 && *cfg.Port <= 65535 {
		opts.Port = cfg.Port
	}
	if dsn := Scrub(cfg.DatabaseDSN); dsn != "" {
		opts.DatabaseDSN = &dsn
	} else if dsn := Scrub(cfg.Database.DSN); dsn != "" {
		opts.DatabaseDSN = &dsn
	}
	opts.RedactSensitive = cfg.RedactSensitive
	return opts, nil
}

// Merge layers options, first non-nil per field wins. Callers pass layers in
// precedence order: flags, environment, file.
func Merge(layers ...Options) Options {
	var out Options
	for _, layer := range layers {
		if out.Host == nil {
			out.Host = layer.Host
		}
		if out.Port == nil {
			out.Port = layer.Port
		}
		if out.AdminKey == nil {
			out.AdminKey = layer.AdminKey
		}
		if out.DatabaseDSN == nil {
			out.DatabaseDSN = layer.DatabaseDSN
		}
		if out.ProxyURL == nil {
			out.ProxyURL = layer.ProxyURL
		}
		if out.LogFile == nil {
			out.LogFile = layer.LogFile
		}
		if out.RedactSensitive == nil {
			out.RedactSensitive = layer.RedactSensitive
		}
	}
	return out
}

// Resolve fills defaults for everything still unset.
func (o Options) Resolve() Config {
	cfg := Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		DatabaseDSN:     DefaultDSN,
		RedactSensitive: true,
	}
	if o.Host != nil {
		cfg.Host = *o.Host
	}
	if o.Port != nil {
		cfg.Port = *o.Port
	}
	if o.AdminKey != nil {
		cfg.AdminKey = *o.AdminKey
	}
	if o.DatabaseDSN != nil {
		cfg.DatabaseDSN = *o.DatabaseDSN
	}
	if o.ProxyURL != nil {
		cfg.ProxyURL = *o.ProxyURL
	}
	if o.LogFile != nil {
		cfg.LogFile = *o.LogFile
	}
	if o.RedactSensitive != nil {
		cfg.RedactSensitive = *o.RedactSensitive
	}
	return cfg
}

// Addr joins the listen host and port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
