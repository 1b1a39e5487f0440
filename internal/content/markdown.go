package content

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Renderer converts model output (Markdown) to HTML and pulls out the title.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a Markdown renderer with GFM tables and strikethrough
// enabled, since models routinely emit them.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
	}
}

// Render converts Markdown to HTML.
func (r *Renderer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return buf.String(), nil
}

// ExtractTitle returns the first H1 heading, or failing that the first
// non-empty line, with Markdown markers stripped.
func (r *Renderer) ExtractTitle(markdown string) string {
	var fallback string
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
		if fallback == "" {
			fallback = strings.TrimLeft(line, "#*_> ")
		}
	}
	return fallback
}
