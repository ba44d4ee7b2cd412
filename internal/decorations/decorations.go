// Package decorations renders backend-supplied line annotations into a code
// view and reverses them cleanly. Application is idempotent per call: every
// line recorded by the previous call is cleared before the new set is
// applied, so decoration state never accumulates across updates.
package decorations

import (
	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
)

// AttachmentClass tags the "after" attachment element so target resolution
// can exclude it and cleanup can find it.
const AttachmentClass = "line-decoration-attachment"

// AppliedLine records one decorated line for later cleanup: which line,
// and which style properties the decoration actually set. Cleanup removes
// only those, so inline styling the host page put on the line survives.
type AppliedLine struct {
	Line       int
	Part       codeview.DiffPart
	Background bool
	Border     bool
}

// Apply clears the previously applied lines and applies decorations to the
// view, returning the new cleanup record. Lines that cannot be located are
// skipped silently: a truncated rendering may simply not contain them.
func Apply(view *codeview.View, decorations []codeview.Decoration, part codeview.DiffPart, prev []AppliedLine) []AppliedLine {
	Clear(view, prev)

	var applied []AppliedLine
	for _, dec := range decorations {
		for _, line := range dec.Lines() {
			el := view.Spec.Accessor.CodeElementFromLine(view.Root, line, part)
			if el == nil {
				continue
			}
			decorate(el, dec)
			applied = append(applied, AppliedLine{
				Line:       line,
				Part:       part,
				Background: dec.BackgroundColor != "",
				Border:     dec.Border != "",
			})
		}
	}
	return applied
}

// Clear removes the styling and attachments recorded in prev.
func Clear(view *codeview.View, prev []AppliedLine) {
	for _, ap := range prev {
		el := view.Spec.Accessor.CodeElementFromLine(view.Root, ap.Line, ap.Part)
		if el == nil {
			continue
		}
		if ap.Background {
			el.RemoveStyleProp("background-color")
		}
		if ap.Border {
			el.RemoveStyleProp("border")
		}
		// QuerySelectorAll skips injected subtrees, which is exactly what
		// the attachments are; walk children directly instead.
		for _, child := range el.Children() {
			if child.HasClass(AttachmentClass) {
				child.Detach()
			}
		}
	}
}

func decorate(el *dom.Node, dec codeview.Decoration) {
	if dec.BackgroundColor != "" {
		el.SetStyleProp("background-color", dec.BackgroundColor)
	}
	if dec.Border != "" {
		el.SetStyleProp("border", dec.Border)
	}
	if dec.After == nil || dec.After.ContentText == "" {
		return
	}

	doc := el.Document()
	attachment := doc.CreateElement("span")
	attachment.AddClass(AttachmentClass)
	if dec.After.HoverMessage != "" {
		attachment.SetAttr("title", dec.After.HoverMessage)
	}

	content := doc.CreateElement("span")
	content.SetText(dec.After.ContentText)
	if dec.After.Color != "" {
		content.SetStyleProp("color", dec.After.Color)
	}

	if dec.After.LinkURL != "" {
		link := doc.CreateElement("a")
		link.SetAttr("href", dec.After.LinkURL)
		// The link target is an arbitrary third-party URL from the backend;
		// never leak the host page as referrer.
		link.SetAttr("rel", "noreferrer noopener")
		link.SetAttr("target", "_blank")
		link.AppendChild(content)
		attachment.AppendChild(link)
	} else {
		attachment.AppendChild(content)
	}

	el.AppendChild(attachment)
}
