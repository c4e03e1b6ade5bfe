// Package config loads courierd's static configuration (koanf: defaults →
// YAML file → environment) and exposes the recognized deployment snapshot
// keys of spec §3/§4.I as an immutable Snapshot, refetched at the start of
// every poll cycle and every immediate send.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Site     SiteConfig     `mapstructure:"site"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds the ambient metrics/health listener settings. courierd
// has no user-facing HTTP API; this is observability-only.
type ServerConfig struct {
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings, backing the asynq task queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// SiteConfig holds the deployment's fixed identity: the domain used for
// generated addresses, the default From line, and the product banner
// stamped into X-Mailer (spec §4.A/§4.E/§4.B).
type SiteConfig struct {
	EmailDomain  string `mapstructure:"email_domain"`
	EmailFrom    string `mapstructure:"email_from"`
	ProductName  string `mapstructure:"product_name"`
	ProductVer   string `mapstructure:"product_version"`
	ProductURL   string `mapstructure:"product_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SMTPConfig holds the recognized configuration-snapshot keys of spec §3:
// relay vs. direct delivery, optional relay auth, VERP-as-From, BCC copy,
// recipient override, and the spamd probe address. This section is
// re-read into an immutable Snapshot at the start of every poll/send
// cycle (spec §4.I) rather than cached for the process lifetime.
type SMTPConfig struct {
	Relay           bool          `mapstructure:"relay"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	SSL             bool          `mapstructure:"ssl"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	NoMXLookups     bool          `mapstructure:"no_mx_lookups"`
	VERPAsFrom      bool          `mapstructure:"verp_as_from"`
	BCC             string        `mapstructure:"bcc"`
	Override        string        `mapstructure:"override"`
	SpamdIP         string        `mapstructure:"spamd_ip"`
	SpamdPort       int           `mapstructure:"spamd_port"`
	BounceDomain    string        `mapstructure:"bounce_domain"`
	HeloDomain      string        `mapstructure:"helo_domain"`
	TLSPolicy       string        `mapstructure:"tls_policy"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
}

// DNSConfig holds DNS resolution settings for direct-MX delivery.
type DNSConfig struct {
	Resolver string        `mapstructure:"resolver"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TracingConfig holds OTLP tracing settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// defaults returns the default configuration as a flat map using koanf's "."
// delimiter for nested keys.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		// Server (metrics/health only)
		"server.metrics_addr":     ":8080",
		"server.shutdown_timeout": "10s",

		// Database
		"database.host":              "localhost",
		"database.port":              5432,
		"database.user":              "courierd",
		"database.password":          "",
		"database.dbname":            "courierd",
		"database.sslmode":           "disable",
		"database.max_open_conns":    25,
		"database.max_idle_conns":    5,
		"database.conn_max_lifetime": "5m",
		"database.auto_migrate":      true,

		// Redis
		"redis.addr":      "localhost:6379",
		"redis.password":  "",
		"redis.db":        0,
		"redis.pool_size": 10,

		// Site
		"site.email_domain":    "",
		"site.email_from":      "",
		"site.product_name":    "courierd",
		"site.product_version": "dev",
		"site.product_url":     "",
		"site.poll_interval":   "5s",

		// SMTP
		"smtp.relay":           false,
		"smtp.host":            "",
		"smtp.port":            587,
		"smtp.ssl":             false,
		"smtp.username":        "",
		"smtp.password":        "",
		"smtp.no_mx_lookups":   false,
		"smtp.verp_as_from":    false,
		"smtp.bcc":             "",
		"smtp.override":        "",
		"smtp.spamd_ip":        "",
		"smtp.spamd_port":      783,
		"smtp.bounce_domain":   "",
		"smtp.helo_domain":     "",
		"smtp.tls_policy":      "opportunistic",
		"smtp.connect_timeout": "30s",
		"smtp.send_timeout":    "5m",

		// DNS
		"dns.resolver": "system",
		"dns.timeout":  "10s",

		// Logging
		"logging.level":  "info",
		"logging.format": "json",
		"logging.output": "stdout",

		// Tracing
		"tracing.enabled":      false,
		"tracing.otlp_endpoint": "",
		"tracing.sample_ratio": 0.1,
	}
}

// Load reads the configuration from defaults, an optional YAML file, and
// environment variables (prefix COURIERD_). Later sources override earlier
// ones.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults.
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// 2. Load YAML file if provided.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// 3. Overlay environment variables.
	//    COURIERD_SMTP_HOST -> smtp.host
	if err := k.Load(env.Provider("COURIERD_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "COURIERD_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env variables: %w", err)
	}

	// 4. Unmarshal into the Config struct.
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// Snapshot returns the immutable view of the recognized configuration keys
// of spec §3, to be refetched at the start of every poll/send cycle per
// spec §4.I. For courierd the snapshot is read straight off the loaded
// Config rather than a separate datastore; a deployment that wants live
// reconfiguration without a restart can swap *Config behind a mutex and
// call Snapshot() again each cycle.
func (c *Config) Snapshot() Snapshot {
	return Snapshot{
		Relay:        c.SMTP.Relay,
		Host:         c.SMTP.Host,
		Port:         c.SMTP.Port,
		SSL:          c.SMTP.SSL,
		Username:     c.SMTP.Username,
		Password:     c.SMTP.Password,
		NoMXLookups:  c.SMTP.NoMXLookups,
		VERPAsFrom:   c.SMTP.VERPAsFrom,
		BCC:          c.SMTP.BCC,
		Override:     c.SMTP.Override,
		SpamdIP:      c.SMTP.SpamdIP,
		SpamdPort:    c.SMTP.SpamdPort,
		BounceDomain: c.SMTP.BounceDomain,
		EmailDomain:  c.Site.EmailDomain,
		EmailFrom:    c.Site.EmailFrom,
	}
}

// Snapshot is the immutable per-cycle configuration record of spec §4.I.
type Snapshot struct {
	Relay        bool
	Host         string
	Port         int
	SSL          bool
	Username     string
	Password     string
	NoMXLookups  bool
	VERPAsFrom   bool
	BCC          string
	Override     string
	SpamdIP      string
	SpamdPort    int
	BounceDomain string
	EmailDomain  string
	EmailFrom    string
}

// BounceDomainOr returns the configured bounce domain override, or
// EmailDomain if none is set (spec §4.A bounce_email).
func (s Snapshot) BounceDomainOr() string {
	if s.BounceDomain != "" {
		return s.BounceDomain
	}
	return s.EmailDomain
}

// SpamdEnabled reports whether a spamd probe address is configured.
func (s Snapshot) SpamdEnabled() bool {
	return s.SpamdIP != ""
}
