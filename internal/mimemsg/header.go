package mimemsg

import (
	"bytes"
	"mime"
	"strings"
)

// structuralHeaders are emitted as stripped-ASCII; every other header is
// RFC 2047 encoded when it carries non-ASCII content.
var structuralHeaders = map[string]bool{
	"To":                        true,
	"From":                      true,
	"Reply-To":                  true,
	"Cc":                        true,
	"Bcc":                       true,
	"Date":                      true,
	"Content-Type":              true,
	"Mime-Version":              true,
	"Content-Transfer-Encoding": true,
}

// asciiStrip removes every byte outside the printable ASCII range 0x20-0x7E.
func asciiStrip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x20 && r <= 0x7E {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// rfc2047Encode encodes a header value under RFC 2047 only if it contains
// non-ASCII content; ASCII-only values pass through unchanged.
func rfc2047Encode(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	return s
}

// encodeHeaderValue applies the header rules of spec §4.B: structural
// headers are ASCII-stripped, everything else is RFC 2047 encoded.
func encodeHeaderValue(name, value string) string {
	if structuralHeaders[name] {
		return asciiStrip(value)
	}
	return rfc2047Encode(value)
}

// joinListHeader joins list-header parts with the fold sequence
// ";\r\n  " specified for multi-valued structural headers such as
// Content-Type with parameters.
func joinListHeader(parts ...string) string {
	return strings.Join(parts, ";\r\n  ")
}

// kv renders a header parameter as "k=v" for use inside joinListHeader.
func kv(k, v string) string {
	return k + "=" + v
}

// ExpandCR normalizes a body so that every line ending is CRLF: a bare CR
// or bare LF becomes CRLF, and an existing CRLF pair is left untouched.
// It is idempotent: ExpandCR(ExpandCR(b)) == ExpandCR(b).
func ExpandCR(b []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(b) + len(b)/8)
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\r':
			out.WriteString("\r\n")
			if i+1 < len(b) && b[i+1] == '\n' {
				i++
			}
		case '\n':
			out.WriteString("\r\n")
		default:
			out.WriteByte(b[i])
		}
	}
	return out.Bytes()
}
