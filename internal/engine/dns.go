package engine

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// MXRecord represents an MX DNS record with its host and priority.
type MXRecord struct {
	Host     string
	Priority uint16
}

// DNSResolver performs DNS lookups. It can be configured to use a specific
// nameserver or fall back to the system resolver.
type DNSResolver struct {
	nameserver string
	timeout    time.Duration
}

// NewDNSResolver creates a new DNS resolver. If nameserver is empty or "system",
// it uses the system's default resolver (8.8.8.8:53 as fallback).
func NewDNSResolver(nameserver string, timeout time.Duration) *DNSResolver {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if nameserver == "" || nameserver == "system" {
		nameserver = getSystemResolver()
	}
	if !strings.Contains(nameserver, ":") {
		nameserver = nameserver + ":53"
	}
	return &DNSResolver{
		nameserver: nameserver,
		timeout:    timeout,
	}
}

// getSystemResolver attempts to read the system's DNS resolver. Falls back to
// Google Public DNS if detection fails.
func getSystemResolver() string {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil && len(config.Servers) > 0 {
		return config.Servers[0] + ":53"
	}
	return "8.8.8.8:53"
}

// query performs a DNS query for the given name and type.
func (r *DNSResolver) query(name string, qtype uint16) (*dns.Msg, error) {
	c := &dns.Client{
		Timeout: r.timeout,
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	reply, _, err := c.Exchange(m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("DNS query for %s (type %s): %w", name, dns.TypeToString[qtype], err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return reply, fmt.Errorf("DNS query for %s returned %s", name, dns.RcodeToString[reply.Rcode])
	}

	return reply, nil
}

// LookupMX resolves MX records for a domain, sorted by priority (lowest first).
func (r *DNSResolver) LookupMX(domain string) ([]MXRecord, error) {
	reply, err := r.query(domain, dns.TypeMX)
	if err != nil {
		return nil, fmt.Errorf("looking up MX for %s: %w", domain, err)
	}

	var records []MXRecord
	for _, ans := range reply.Answer {
		if mx, ok := ans.(*dns.MX); ok {
			records = append(records, MXRecord{
				Host:     strings.TrimSuffix(mx.Mx, "."),
				Priority: mx.Preference,
			})
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})

	// If no MX records found, fall back to the domain's A/AAAA record per RFC 5321.
	if len(records) == 0 {
		records = append(records, MXRecord{
			Host:     domain,
			Priority: 0,
		})
	}

	return records, nil
}

// ResolveIP resolves an MX host to its IP addresses for SMTP connection.
func (r *DNSResolver) ResolveIP(host string) ([]net.IP, error) {
	var ips []net.IP

	// Try A records first.
	replyA, err := r.query(host, dns.TypeA)
	if err == nil {
		for _, ans := range replyA.Answer {
			if a, ok := ans.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
	}

	// Also try AAAA records.
	replyAAAA, err := r.query(host, dns.TypeAAAA)
	if err == nil {
		for _, ans := range replyAAAA.Answer {
			if aaaa, ok := ans.(*dns.AAAA); ok {
				ips = append(ips, aaaa.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no A or AAAA records found for %s", host)
	}

	return ips, nil
}
