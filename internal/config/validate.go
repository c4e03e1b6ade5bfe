package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and invalid values.
// It collects all failures into a single error so the operator sees every
// problem at once.
func (c *Config) Validate() error {
	var errs []string

	// Database
	if c.Database.Host == "" {
		errs = append(errs, "database.host is required")
	}
	if c.Database.DBName == "" {
		errs = append(errs, "database.dbname is required")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	// Site
	if c.Site.EmailDomain == "" {
		errs = append(errs, "site.email_domain is required")
	}
	if c.Site.EmailFrom == "" {
		errs = append(errs, "site.email_from is required")
	}

	// SMTP: relay delivery requires a host; direct delivery resolves MX
	// records itself and ignores smtp.host.
	if c.SMTP.Relay && c.SMTP.Host == "" {
		errs = append(errs, "smtp.host is required when smtp.relay is true")
	}

	// SMTP auth is applied iff both username and password are present
	// (spec §4.I) — a lone half is almost certainly a typo'd deployment.
	hasUser := c.SMTP.Username != ""
	hasPass := c.SMTP.Password != ""
	if hasUser != hasPass {
		errs = append(errs, "smtp.username and smtp.password must both be set or both be empty")
	}

	// Spamd host/port travel together.
	if c.SMTP.SpamdIP != "" && c.SMTP.SpamdPort == 0 {
		errs = append(errs, "smtp.spamd_port is required when smtp.spamd_ip is set")
	}

	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		errs = append(errs, "smtp.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
