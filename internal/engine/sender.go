// Package engine is the SMTP transport backend for the dispatcher: it owns
// the wire-level session (connect, EHLO, STARTTLS, MAIL FROM, RCPT TO,
// DATA) for a single already-encoded message. MIME construction lives in
// internal/mimemsg; engine never looks inside the message body.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SenderMetrics is an optional interface for recording SMTP metrics.
// Pass nil to disable metrics.
type SenderMetrics interface {
	ObserveEmailSendDuration(seconds float64)
	IncSMTPConnection(mxHost, result string)
}

// Sender delivers a single pre-encoded message either to a configured
// relay or directly to a recipient domain's MX hosts.
type Sender struct {
	heloDomain     string
	tlsPolicy      string // "opportunistic" or "enforce"
	connectTimeout time.Duration
	sendTimeout    time.Duration
	resolver       *DNSResolver
	logger         *slog.Logger
	circuitBreaker *CircuitBreaker
	metrics        SenderMetrics
}

// SenderConfig configures the SMTP sender.
type SenderConfig struct {
	HeloDomain     string
	TLSPolicy      string
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	Metrics        SenderMetrics
}

// NewSender creates a new SMTP sender with the given configuration.
func NewSender(cfg SenderConfig, resolver *DNSResolver, logger *slog.Logger) *Sender {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 5 * time.Minute
	}
	if cfg.TLSPolicy == "" {
		cfg.TLSPolicy = "opportunistic"
	}

	return &Sender{
		heloDomain:     cfg.HeloDomain,
		tlsPolicy:      cfg.TLSPolicy,
		connectTimeout: cfg.ConnectTimeout,
		sendTimeout:    cfg.SendTimeout,
		resolver:       resolver,
		logger:         logger,
		circuitBreaker: NewCircuitBreaker(defaultFailureThreshold, defaultResetTimeout),
		metrics:        cfg.Metrics,
	}
}

// Outcome is the delivery outcome for one envelope, matching the
// translation table of spec §4.E step 8.
type Outcome int

const (
	// OutcomeSent means the message was accepted by the remote server.
	OutcomeSent Outcome = iota
	// OutcomeTemporaryFailure means the attempt should be retried later
	// without changing the entry's current retry_on.
	OutcomeTemporaryFailure
	// OutcomeNoMoreHosts means every relay/MX option was exhausted.
	OutcomeNoMoreHosts
	// OutcomeError is any other delivery error.
	OutcomeError
)

// Envelope is a single outbound delivery attempt: one envelope sender,
// one recipient, one fully-encoded message.
type Envelope struct {
	// EnvelopeFrom is the VERP address used as MAIL FROM, without angle
	// brackets (spec §4.E step 7).
	EnvelopeFrom string
	// Recipient is the bare recipient address used as RCPT TO.
	Recipient string
	// Message is the already-MIME-encoded message bytes.
	Message []byte

	// Relay selects relay delivery (smtp_relay = true) over direct MX
	// delivery.
	Relay         bool
	RelayHost     string
	RelayPort     int
	RelaySSL      bool
	RelayUsername string
	RelayPassword string

	// RecipientDomain is used for direct delivery (MX lookup).
	RecipientDomain string
	NoMXLookups     bool
}

// Send delivers env, trying a relay host or the recipient domain's MX
// hosts in priority order, and reports the translated outcome.
func (s *Sender) Send(ctx context.Context, env Envelope) (Outcome, error) {
	if env.Relay {
		addr := fmt.Sprintf("%s:%d", env.RelayHost, env.RelayPort)
		return s.attempt(ctx, addr, env, env.RelayUsername, env.RelayPassword, env.RelaySSL)
	}

	if env.NoMXLookups {
		return s.attempt(ctx, env.RecipientDomain+":25", env, "", "", false)
	}

	mxRecords, err := s.resolver.LookupMX(env.RecipientDomain)
	if err != nil {
		return OutcomeError, fmt.Errorf("MX lookup for %s: %w", env.RecipientDomain, err)
	}
	if len(mxRecords) == 0 {
		return OutcomeNoMoreHosts, fmt.Errorf("no MX records for %s", env.RecipientDomain)
	}

	var lastErr error
	var lastOutcome Outcome = OutcomeNoMoreHosts
	tried := false
	for _, mx := range mxRecords {
		select {
		case <-ctx.Done():
			return OutcomeError, ctx.Err()
		default:
		}

		if !s.circuitBreaker.Allow(mx.Host) {
			s.logger.Warn("circuit breaker open, skipping MX host",
				"domain", env.RecipientDomain, "mx_host", mx.Host)
			continue
		}
		tried = true

		outcome, err := s.attempt(ctx, mx.Host+":25", env, "", "", false)
		if err == nil {
			s.circuitBreaker.RecordSuccess(mx.Host)
			return outcome, nil
		}
		s.circuitBreaker.RecordFailure(mx.Host)
		lastErr = err
		lastOutcome = outcome
		s.logger.Warn("delivery attempt failed", "mx_host", mx.Host, "error", err)
	}

	if !tried {
		return OutcomeNoMoreHosts, fmt.Errorf("all MX hosts for %s circuit-broken", env.RecipientDomain)
	}
	return lastOutcome, lastErr
}

// attempt performs a single SMTP session against addr.
func (s *Sender) attempt(ctx context.Context, addr string, env Envelope, username, password string, forceTLS bool) (Outcome, error) {
	start := time.Now()
	host, _, _ := net.SplitHostPort(addr)

	dialer := net.Dialer{Timeout: s.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.recordSMTPConnection(host, "connect_error")
		return OutcomeTemporaryFailure, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	if err := conn.SetDeadline(time.Now().Add(s.sendTimeout)); err != nil {
		_ = conn.Close()
		return OutcomeError, fmt.Errorf("setting deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return OutcomeError, fmt.Errorf("creating SMTP client for %s: %w", host, err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello(s.heloDomain); err != nil {
		return OutcomeTemporaryFailure, fmt.Errorf("EHLO to %s: %w", host, err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok || forceTLS {
		tlsConfig := &tls.Config{ServerName: host}
		if err := client.StartTLS(tlsConfig); err != nil {
			if s.tlsPolicy == "enforce" || forceTLS {
				return OutcomeTemporaryFailure, fmt.Errorf("STARTTLS required but failed for %s: %w", host, err)
			}
			s.logger.Warn("STARTTLS failed, continuing without TLS", "host", host, "error", err)
		}
	} else if s.tlsPolicy == "enforce" {
		return OutcomeTemporaryFailure, fmt.Errorf("STARTTLS required but not offered by %s", host)
	}

	if username != "" {
		auth := smtp.PlainAuth("", username, password, host)
		if err := client.Auth(auth); err != nil {
			return OutcomeError, fmt.Errorf("AUTH to %s: %w", host, err)
		}
	}

	if err := client.Mail(env.EnvelopeFrom); err != nil {
		code, msg := parseSmtpError(err)
		return outcomeFromCode(code), fmt.Errorf("MAIL FROM to %s: %s (%d)", host, msg, code)
	}

	if err := client.Rcpt(env.Recipient); err != nil {
		code, msg := parseSmtpError(err)
		bounce := ClassifyBounce(code, msg)
		if bounce.Permanent {
			return OutcomeError, fmt.Errorf("RCPT TO rejected by %s: %s (%d)", host, msg, code)
		}
		return OutcomeTemporaryFailure, fmt.Errorf("RCPT TO deferred by %s: %s (%d)", host, msg, code)
	}

	wc, err := client.Data()
	if err != nil {
		code, msg := parseSmtpError(err)
		return outcomeFromCode(code), fmt.Errorf("DATA to %s: %s (%d)", host, msg, code)
	}
	if _, err := wc.Write(env.Message); err != nil {
		_ = wc.Close()
		return OutcomeTemporaryFailure, fmt.Errorf("writing message data to %s: %w", host, err)
	}
	if err := wc.Close(); err != nil {
		code, msg := parseSmtpError(err)
		return outcomeFromCode(code), fmt.Errorf("closing DATA to %s: %s (%d)", host, msg, code)
	}

	_ = client.Quit()
	s.recordSMTPConnection(host, "success")
	s.recordEmailSendDuration(time.Since(start).Seconds())
	return OutcomeSent, nil
}

func outcomeFromCode(code int) Outcome {
	if code >= 500 && code < 600 {
		return OutcomeError
	}
	return OutcomeTemporaryFailure
}

// recordSMTPConnection records an SMTP connection metric if metrics are configured.
func (s *Sender) recordSMTPConnection(host, result string) {
	if s.metrics != nil {
		s.metrics.IncSMTPConnection(host, result)
	}
}

// recordEmailSendDuration records email send duration if metrics are configured.
func (s *Sender) recordEmailSendDuration(seconds float64) {
	if s.metrics != nil {
		s.metrics.ObserveEmailSendDuration(seconds)
	}
}

// parseSmtpError extracts the SMTP response code and message from an error.
func parseSmtpError(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	msg := err.Error()

	if len(msg) >= 3 {
		var code int
		if _, parseErr := fmt.Sscanf(msg[:3], "%d", &code); parseErr == nil && code >= 200 && code < 600 {
			return code, strings.TrimSpace(msg[3:])
		}
	}

	if strings.Contains(strings.ToLower(msg), "timeout") ||
		strings.Contains(strings.ToLower(msg), "connection refused") {
		return 421, msg
	}

	return 0, msg
}
