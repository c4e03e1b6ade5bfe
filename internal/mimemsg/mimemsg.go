// Package mimemsg implements spec component B, the MIME encoder: from a
// structured request it emits final wire bytes across the three input
// modes described in spec §4.B (raw, structured, rendered).
package mimemsg

import (
	"fmt"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	"github.com/couriermq/courierd/internal/mail"
)

// Renderer is the external template/render hook: render(template, vars,
// ctx) -> bytes, used only when a body is not supplied pre-rendered.
type Renderer interface {
	Render(template string, vars map[string]interface{}) ([]byte, error)
}

// Markdowner is the external markdown-projection hook used to synthesize a
// plain-text alternative when only HTML is supplied.
type Markdowner interface {
	ToMarkdown(html string, noHTML bool) (string, error)
}

// ImageEmbedder is the external image-embedding hook: embed_images(parts,
// ctx) -> parts', which may rewrite the HTML part and append related
// parts.
type ImageEmbedder interface {
	EmbedImages(parts []mail.Part) ([]mail.Part, error)
}

// ProductInfo identifies this dispatcher in the X-Mailer header.
type ProductInfo struct {
	Name    string
	Version string
	URL     string
}

func (p ProductInfo) header() string {
	return fmt.Sprintf("%s %s (%s)", p.Name, p.Version, p.URL)
}

// EncodeContext carries everything the encoder needs beyond the request
// itself: the message's resolved identity, the domain used for the
// ReplyToMessageID sentinel, and the external render/markdown/image hooks.
type EncodeContext struct {
	MsgID       string
	VERP        string // angle-bracketed, e.g. "<noreply+abc@bounce.example>"
	From        string
	To          string
	EmailDomain string
	Product     ProductInfo

	Encoder       MIMEEncoder
	Render        Renderer
	Markdown      Markdowner
	ImageEmbedder ImageEmbedder
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// extractTitleSubject derives a subject from the HTML's <title> element,
// case-insensitively and collapsed to a single line. It returns "" rather
// than panicking when no title is present (spec §9 open question).
func extractTitleSubject(html string) string {
	m := titleRe.FindStringSubmatch(html)
	if m == nil {
		return ""
	}
	return strings.Join(strings.Fields(m[1]), " ")
}

// Encode produces the final wire bytes for req, selecting one of the three
// modes of spec §4.B.
func Encode(req *mail.Request, ec EncodeContext) ([]byte, error) {
	switch {
	case req.Body != nil && req.Body.Raw != nil:
		return encodeRaw(req.Body.Raw, ec), nil
	case req.Body != nil && req.Body.Structured != nil:
		return encodeStructured(req, req.Body.Structured, ec)
	default:
		return encodeRendered(req, ec)
	}
}

// encodeRaw prepends the X-Mailer line to pre-built wire bytes, mutating
// nothing else.
func encodeRaw(raw []byte, ec EncodeContext) []byte {
	prefix := "X-Mailer: " + ec.Product.header() + "\r\n"
	out := make([]byte, 0, len(prefix)+len(raw))
	out = append(out, prefix...)
	out = append(out, raw...)
	return out
}

func canonicalHeaders(req *mail.Request, ec EncodeContext) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	h.Set("From", encodeHeaderValue("From", ec.From))
	if ec.To != "" {
		h.Set("To", encodeHeaderValue("To", ec.To))
	}
	h.Set("Message-Id", encodeHeaderValue("Message-Id", ec.VERP))
	h.Set("X-Mailer", ec.Product.header())
	applyReplyTo(h, req.ReplyTo, ec)
	if req.Subject != "" {
		h.Set("Subject", encodeHeaderValue("Subject", req.Subject))
	}
	for k, v := range req.Headers {
		h.Set(k, encodeHeaderValue(k, v))
	}
	return h
}

// applyReplyTo implements the Reply-To policy table of spec §4.B.
func applyReplyTo(h textproto.MIMEHeader, rt *mail.ReplyTo, ec EncodeContext) {
	if rt == nil {
		return
	}
	switch rt.Kind {
	case mail.ReplyToAbsent:
		return
	case mail.ReplyToEmpty:
		h.Set("Reply-To", "<>")
	case mail.ReplyToMessageID:
		h.Set("Reply-To", "reply+"+ec.MsgID+"@"+ec.EmailDomain)
	case mail.ReplyToLiteral:
		name, addr := splitDisplayName(rt.Value)
		addr = ensureDomainLocal(addr, ec.EmailDomain)
		if name != "" {
			h.Set("Reply-To", encodeHeaderValue("Reply-To", name+" <"+addr+">"))
		} else {
			h.Set("Reply-To", encodeHeaderValue("Reply-To", addr))
		}
	}
}

func splitDisplayName(v string) (name, addr string) {
	v = strings.TrimSpace(v)
	if i := strings.LastIndex(v, "<"); i >= 0 && strings.HasSuffix(v, ">") {
		return strings.TrimSpace(v[:i]), strings.TrimSuffix(v[i+1:], ">")
	}
	return "", v
}

func ensureDomainLocal(addr, domain string) string {
	if strings.Contains(addr, "@") {
		return addr
	}
	return addr + "@" + domain
}

// encodeStructured builds the canonical header set plus user headers,
// merges in the body's extra headers, and delegates to the external MIME
// encoder backend.
func encodeStructured(req *mail.Request, sb *mail.StructuredBody, ec EncodeContext) ([]byte, error) {
	h := canonicalHeaders(req, ec)
	for k, v := range sb.ExtraHeaders {
		h.Set(k, encodeHeaderValue(k, v))
	}
	applyCc(h, req)

	return ec.Encoder.Encode(StructuredMessage{
		Type:    sb.Type,
		Subtype: sb.Subtype,
		Headers: h,
		Params:  sb.Params,
		Parts:   sb.Parts,
	})
}

func applyCc(h textproto.MIMEHeader, req *mail.Request) {
	if len(req.Cc) > 0 {
		h.Set("Cc", encodeHeaderValue("Cc", strings.Join(req.Cc, ", ")))
	}
}

// encodeRendered implements mode 3: render text/html, derive the subject,
// build the plain+html parts (embedding images into the html part), and
// wrap them in multipart/alternative.
func encodeRendered(req *mail.Request, ec EncodeContext) ([]byte, error) {
	text := req.Text
	html := req.HTML

	if text == "" && html == "" && (req.TextTemplate != "" || req.HTMLTemplate != "") {
		rendered, err := renderTemplates(req, ec)
		if err != nil {
			return nil, err
		}
		text, html = rendered[0], rendered[1]
	}

	subject := req.Subject
	if subject == "" && html != "" {
		subject = extractTitleSubject(html)
	}

	h := canonicalHeaders(req, ec)
	h.Set("Subject", encodeHeaderValue("Subject", subject))
	h.Set("Date", encodeHeaderValue("Date", time.Now().UTC().Format(time.RFC1123Z)))
	h.Set("Mime-Version", "1.0")
	applyCc(h, req)

	parts, err := buildRenderedParts(text, html, ec)
	if err != nil {
		return nil, err
	}

	if len(parts) == 0 {
		return ec.Encoder.Encode(StructuredMessage{Headers: h})
	}

	return ec.Encoder.Encode(StructuredMessage{
		Type:    "multipart",
		Subtype: "alternative",
		Headers: h,
		Parts:   parts,
	})
}

func renderTemplates(req *mail.Request, ec EncodeContext) ([2]string, error) {
	var out [2]string
	if ec.Render == nil {
		return out, fmt.Errorf("rendering %q/%q: no renderer configured", req.TextTemplate, req.HTMLTemplate)
	}
	if req.TextTemplate != "" {
		b, err := ec.Render.Render(req.TextTemplate, req.Vars)
		if err != nil {
			return out, fmt.Errorf("rendering text template %q: %w", req.TextTemplate, err)
		}
		out[0] = string(b)
	}
	if req.HTMLTemplate != "" {
		b, err := ec.Render.Render(req.HTMLTemplate, req.Vars)
		if err != nil {
			return out, fmt.Errorf("rendering html template %q: %w", req.HTMLTemplate, err)
		}
		out[1] = string(b)
	}
	return out, nil
}

func buildRenderedParts(text, html string, ec EncodeContext) ([]mail.Part, error) {
	switch {
	case text == "" && html == "":
		return nil, nil
	case text == "" && html != "":
		projected, err := projectMarkdown(html, ec)
		if err != nil {
			return nil, err
		}
		text = projected
	}

	parts := []mail.Part{textPart(text)}

	if html != "" {
		htmlParts := append([]mail.Part{}, parts...)
		htmlParts = append(htmlParts, htmlPart(html))

		if ec.ImageEmbedder != nil {
			embedded, err := ec.ImageEmbedder.EmbedImages(htmlParts)
			if err != nil {
				return nil, fmt.Errorf("embedding images: %w", err)
			}
			return embedded, nil
		}
		return htmlParts, nil
	}

	return parts, nil
}

func projectMarkdown(html string, ec EncodeContext) (string, error) {
	if ec.Markdown == nil {
		return "", nil
	}
	text, err := ec.Markdown.ToMarkdown(html, false)
	if err != nil {
		return "", fmt.Errorf("projecting markdown from html: %w", err)
	}
	return text, nil
}

func textPart(body string) mail.Part {
	return mail.Part{
		ContentType: "text/plain; charset=utf-8",
		Content:     ExpandCR([]byte(body)),
	}
}

func htmlPart(body string) mail.Part {
	return mail.Part{
		ContentType: "text/html; charset=utf-8",
		Content:     ExpandCR([]byte(body)),
	}
}
