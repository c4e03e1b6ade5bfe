// Package render provides default adapters for the template-render,
// markdown-projection, and image-embedding collaborators that spec §1
// treats as external to the dispatcher core. These exist so the core
// compiles and is testable standalone; a real deployment is expected to
// supply its own implementations backed by its template engine and asset
// pipeline.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/couriermq/courierd/internal/mail"
)

// TemplateLookup resolves a template name to its source text. A real
// adapter would back this with the surrounding application's template
// store; courierd itself has no opinion on where templates live.
type TemplateLookup interface {
	Lookup(name string) (string, error)
}

// TextTemplateRenderer renders Go text/template sources looked up via
// lookup. It implements mimemsg.Renderer.
type TextTemplateRenderer struct {
	Lookup TemplateLookup
}

// Render looks up the named template and executes it against vars.
func (r TextTemplateRenderer) Render(name string, vars map[string]interface{}) ([]byte, error) {
	if r.Lookup == nil {
		return nil, fmt.Errorf("rendering %q: no template lookup configured", name)
	}
	src, err := r.Lookup.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("looking up template %q: %w", name, err)
	}
	return renderTextTemplate(name, src, vars)
}

var tagRe = regexp.MustCompile(`(?is)<[^>]*>`)
var blockRe = regexp.MustCompile(`(?i)</(p|div|br|li|h[1-6])\s*>`)

// PlainMarkdowner is a minimal markdown/plain-text projection: it
// inserts line breaks at block boundaries and strips remaining tags. It
// implements mimemsg.Markdowner without pulling in a full HTML parser,
// sufficient for synthesizing a text/plain alternative from simple HTML.
type PlainMarkdowner struct{}

// ToMarkdown strips HTML tags into a readable plain-text projection.
func (PlainMarkdowner) ToMarkdown(html string, _ bool) (string, error) {
	withBreaks := blockRe.ReplaceAllString(html, "\n")
	stripped := tagRe.ReplaceAllString(withBreaks, "")
	lines := strings.Split(stripped, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// PassthroughImageEmbedder returns parts unchanged. It implements
// mimemsg.ImageEmbedder for deployments with no inline-image pipeline.
type PassthroughImageEmbedder struct{}

// EmbedImages is a no-op passthrough.
func (PassthroughImageEmbedder) EmbedImages(parts []mail.Part) ([]mail.Part, error) {
	return parts, nil
}
