// Package addr implements the identifier and address utilities of spec
// component A: message id generation and the VERP bounce/reply address
// scheme that links outbound envelopes back to inbound bounces.
package addr

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 20

	bouncePrefix = "noreply+"
	replyPrefix  = "reply+"
)

// GenerateMessageID produces a 20-character lowercase alphanumeric token.
// Uniqueness is probabilistic (36^20 possibilities); callers that need a
// specific id may supply their own instead of calling this.
func GenerateMessageID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating message id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf), nil
}

// BounceEmail builds the VERP bounce address noreply+<msgID>@<domain>.
// bounceDomainOverride, when non-empty, replaces the site's email domain.
func BounceEmail(msgID, emailDomain, bounceDomainOverride string) string {
	domain := emailDomain
	if bounceDomainOverride != "" {
		domain = bounceDomainOverride
	}
	return bouncePrefix + msgID + "@" + domain
}

// ReplyEmail builds the reply+<msgID>@<domain> address used by the
// ReplyToMessageID sentinel.
func ReplyEmail(msgID, emailDomain string) string {
	return replyPrefix + msgID + "@" + emailDomain
}

// IsBounceEmail reports whether addr's local-part starts with "noreply+".
func IsBounceEmail(addr string) bool {
	local, _, ok := strings.Cut(addr, "@")
	if !ok {
		local = addr
	}
	return strings.HasPrefix(local, bouncePrefix)
}

// EnsureDomain appends "@<emailDomain>" to addr if it has no "@" already.
func EnsureDomain(addr, emailDomain string) string {
	if strings.Contains(addr, "@") {
		return addr
	}
	return addr + "@" + emailDomain
}

// EscapeEmail replaces "@" with the literal "-at-", used only in override
// display strings so the intended recipient stays visible but not live.
func EscapeEmail(addr string) string {
	return strings.ReplaceAll(addr, "@", "-at-")
}

// SplitDisplayName splits a "Name <addr>" or bare "addr" string into its
// display name and address parts. hasAddr reports whether an "@"-bearing
// address was found; a display-name-only input (or the empty string)
// returns hasAddr == false.
func SplitDisplayName(v string) (name, address string, hasAddr bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "", false
	}
	if i := strings.LastIndex(v, "<"); i >= 0 && strings.HasSuffix(v, ">") {
		name = strings.TrimSpace(v[:i])
		address = strings.TrimSuffix(v[i+1:], ">")
		return name, address, strings.Contains(address, "@")
	}
	if strings.Contains(v, "@") {
		return "", v, true
	}
	return v, "", false
}
