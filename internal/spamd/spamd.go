// Package spamd implements spec component H, the SpamAssassin probe: a raw
// TCP exchange with a spamd daemon using the SPAMC/1.2 HEADERS protocol.
package spamd

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/couriermq/courierd/internal/observability"
)

// Timeout is SPAMD_TIMEOUT of spec §4.H/§5: the probe returns whatever
// response has arrived by the time this elapses.
const Timeout = 10 * time.Second

// Verdict is the parsed spamd outcome.
type Verdict struct {
	// IsSpam is nil when the response could not be parsed before timeout
	// (spec §5: "whatever response has arrived is returned as-is").
	IsSpam  *bool
	Symbols []string
}

// String renders the verdict for the notifier payload: "yes", "no", or
// "unknown".
func (v Verdict) String() string {
	if v.IsSpam == nil {
		return "unknown"
	}
	if *v.IsSpam {
		return "yes"
	}
	return "no"
}

// Probe connects to a spamd daemon and submits msg for scoring.
type Probe struct {
	addr    string
	metrics *observability.Metrics
}

// NewProbe builds a Probe targeting host:port.
func NewProbe(host string, port int, metrics *observability.Metrics) *Probe {
	return &Probe{addr: net.JoinHostPort(host, strconv.Itoa(port)), metrics: metrics}
}

// Check submits msg and returns the parsed verdict. Per spec §4.H/§5, a
// connection or write error yields an error; the read ends on peer close,
// timeout, or any other read error, and whatever had arrived by then is
// parsed and returned without an error.
func (p *Probe) Check(msg []byte) (Verdict, error) {
	conn, err := net.DialTimeout("tcp", p.addr, Timeout)
	if err != nil {
		return Verdict{}, fmt.Errorf("connecting to spamd at %s: %w", p.addr, err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return Verdict{}, fmt.Errorf("setting spamd deadline: %w", err)
	}

	req := fmt.Sprintf("HEADERS SPAMC/1.2\r\nContent-length: %d\r\nUser: spamd\r\n\r\n", len(msg)+2)
	if _, err := conn.Write([]byte(req)); err != nil {
		return Verdict{}, fmt.Errorf("writing spamd request: %w", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return Verdict{}, fmt.Errorf("writing spamd message body: %w", err)
	}
	if _, err := conn.Write([]byte("\r\n")); err != nil {
		return Verdict{}, fmt.Errorf("writing spamd trailer: %w", err)
	}

	raw := readUntilCloseOrTimeout(conn)
	verdict := parseResponse(raw)
	if p.metrics != nil {
		p.metrics.SpamdVerdictsTotal.WithLabelValues(verdict.String()).Inc()
	}
	return verdict, nil
}

// readUntilCloseOrTimeout reads everything the peer sends until it closes
// the connection or the deadline set by the caller fires; a deadline
// expiry is not treated as an error — it just ends the read with whatever
// bytes have arrived.
func readUntilCloseOrTimeout(conn net.Conn) []byte {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf
}

// parseResponse strips the SPAMD/1.1 banner, unfolds continuation lines,
// and extracts X-Spam-Status per spec §4.H.
func parseResponse(raw []byte) Verdict {
	text := string(raw)
	text = strings.TrimPrefix(text, "SPAMD/1.1 0 EX_OK\r\n")
	text = strings.TrimPrefix(text, "SPAMD/1.1 0 EX_OK\n")

	headers := unfoldHeaders(text)

	status, ok := headers["x-spam-status"]
	if !ok {
		return Verdict{}
	}
	return parseSpamStatus(status)
}

// unfoldHeaders scans raw RFC-822-style headers, joining folded
// continuation lines (any line starting with a tab or space continues the
// previous field) into a single value per field name, lowercased.
func unfoldHeaders(text string) map[string]string {
	headers := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentKey string
	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimRight(line, "\r")

		if line == "" {
			continue
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && currentKey != "" {
			cont := strings.TrimLeft(line, " \t")
			headers[currentKey] = headers[currentKey] + " " + cont
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
		currentKey = key
	}
	return headers
}

// parseSpamStatus parses a value like "Yes, score=12.3 required=5.0
// tag=value ..." into a Verdict.
func parseSpamStatus(value string) Verdict {
	var isSpam bool
	var rest string
	switch {
	case strings.HasPrefix(value, "Yes,"):
		isSpam = true
		rest = strings.TrimPrefix(value, "Yes,")
	case strings.HasPrefix(value, "No,"):
		isSpam = false
		rest = strings.TrimPrefix(value, "No,")
	default:
		return Verdict{}
	}

	fields := strings.Fields(rest)
	symbols := make([]string, 0, len(fields))
	for _, f := range fields {
		if eq := strings.IndexByte(f, '='); eq > 0 {
			symbols = append(symbols, strings.ToLower(f[:eq])+"="+f[eq+1:])
		}
	}

	return Verdict{IsSpam: &isSpam, Symbols: symbols}
}
