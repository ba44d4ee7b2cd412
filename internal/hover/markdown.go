package hover

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"

	"github.com/sightline-dev/sightline/internal/dom"
)

// md renders backend hover contents. Hover payloads are markdown with code
// fences for signatures; fences get chroma highlighting.
var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
)

// RenderTooltip converts hover markdown into the overlay's HTML, wrapped in
// a marker-classed container so target resolution excludes the tooltip
// itself.
func RenderTooltip(contents string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(contents), &buf); err != nil {
		return "", fmt.Errorf("hover: render tooltip: %w", err)
	}
	return fmt.Sprintf(`<div class="%s hover-overlay">%s</div>`, dom.InjectedClass, buf.String()), nil
}
