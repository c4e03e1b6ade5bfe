package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a Config that passes all validation checks.
func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:   "localhost",
			DBName: "courierd",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Site: SiteConfig{
			EmailDomain: "example.com",
			EmailFrom:   "noreply@example.com",
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_MissingDatabaseHost(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.host is required")
}

func TestValidate_MissingDatabaseName(t *testing.T) {
	cfg := validConfig()
	cfg.Database.DBName = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dbname is required")
}

func TestValidate_MissingRedisAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr is required")
}

func TestValidate_MissingEmailDomain(t *testing.T) {
	cfg := validConfig()
	cfg.Site.EmailDomain = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site.email_domain is required")
}

func TestValidate_MissingEmailFrom(t *testing.T) {
	cfg := validConfig()
	cfg.Site.EmailFrom = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site.email_from is required")
}

func TestValidate_RelayRequiresHost(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.Relay = true
	cfg.SMTP.Host = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp.host is required when smtp.relay is true")
}

func TestValidate_RelayWithHostOK(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.Relay = true
	cfg.SMTP.Host = "relay.example.com"
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_PartialSMTPAuth(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.Username = "user"
	cfg.SMTP.Password = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp.username and smtp.password must both be set or both be empty")
}

func TestValidate_FullSMTPAuthOK(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.Username = "user"
	cfg.SMTP.Password = "pass"
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_SpamdIPWithoutPort(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.SpamdIP = "127.0.0.1"
	cfg.SMTP.SpamdPort = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp.spamd_port is required when smtp.spamd_ip is set")
}

func TestValidate_InvalidSMTPPort(t *testing.T) {
	cfg := validConfig()
	cfg.SMTP.Port = 70000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp.port must be between 0 and 65535")
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{} // All required fields missing
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "database.host is required")
	assert.Contains(t, msg, "database.dbname is required")
	assert.Contains(t, msg, "redis.addr is required")
	assert.Contains(t, msg, "site.email_domain is required")
	assert.Contains(t, msg, "site.email_from is required")

	assert.Equal(t, 5, strings.Count(msg, "\n  - "))
}
