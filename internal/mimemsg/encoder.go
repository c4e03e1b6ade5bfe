package mimemsg

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"

	"github.com/couriermq/courierd/internal/mail"
)

// MIMEEncoder is the external "MIME encoder backend" of spec §6:
// encode((type, subtype, headers, params, parts)) -> bytes.
type MIMEEncoder interface {
	Encode(msg StructuredMessage) ([]byte, error)
}

// StructuredMessage is the fully-resolved 5-tuple handed to the MIME
// encoder backend: canonical headers already merged with user/body-extra
// headers, ready to write.
type StructuredMessage struct {
	Type    string
	Subtype string
	Headers textproto.MIMEHeader
	Params  map[string]string
	Parts   []mail.Part
}

// StdMIMEEncoder is the default MIMEEncoder, built on the standard
// library's mime/multipart the way internal/engine's sender built its wire
// messages.
type StdMIMEEncoder struct{}

// Encode writes headers followed by a multipart or single-part body
// depending on subtype and part count.
func (StdMIMEEncoder) Encode(msg StructuredMessage) ([]byte, error) {
	var buf bytes.Buffer

	if msg.Subtype == "" || len(msg.Parts) <= 1 {
		if len(msg.Parts) == 1 && msg.Headers.Get("Content-Type") == "" && msg.Parts[0].ContentType != "" {
			msg.Headers.Set("Content-Type", msg.Parts[0].ContentType)
		}
		writeHeaders(&buf, msg.Headers)
		if len(msg.Parts) == 1 {
			part := msg.Parts[0]
			buf.Write(ExpandCR(part.Content))
		}
		return buf.Bytes(), nil
	}

	w := multipart.NewWriter(&buf)
	contentType := msg.Type + "/" + msg.Subtype
	msg.Headers.Set("Content-Type", joinListHeader(contentType, kv("boundary", w.Boundary())))
	writeHeaders(&buf, msg.Headers)

	for _, part := range msg.Parts {
		ph := textproto.MIMEHeader{}
		for k, v := range part.Headers {
			ph.Set(k, v)
		}
		if ph.Get("Content-Type") == "" && part.ContentType != "" {
			ph.Set("Content-Type", part.ContentType)
		}
		if ph.Get("Content-Transfer-Encoding") == "" {
			ph.Set("Content-Transfer-Encoding", "quoted-printable")
		}
		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("creating %s part: %w", part.ContentType, err)
		}
		qw := quotedprintable.NewWriter(pw)
		if _, err := qw.Write(ExpandCR(part.Content)); err != nil {
			return nil, fmt.Errorf("writing %s part: %w", part.ContentType, err)
		}
		if err := qw.Close(); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeHeaders writes the well-known MIME headers in a fixed order, matching
// internal/engine's writeHeaders convention; any remaining headers follow in
// map iteration order.
func writeHeaders(buf *bytes.Buffer, headers textproto.MIMEHeader) {
	orderedKeys := []string{
		"From", "To", "Cc", "Reply-To", "Subject",
		"Date", "Message-Id", "X-Mailer", "Mime-Version", "Content-Type",
	}
	written := make(map[string]bool)

	for _, key := range orderedKeys {
		canon := textproto.CanonicalMIMEHeaderKey(key)
		if values, ok := headers[canon]; ok {
			for _, v := range values {
				fmt.Fprintf(buf, "%s: %s\r\n", canon, v)
			}
			written[canon] = true
		}
	}

	for key, values := range headers {
		if written[key] {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(buf, "%s: %s\r\n", key, v)
		}
	}

	buf.WriteString("\r\n")
}
