package overlay

import (
	"net/url"

	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/hosts"
)

// SelectedClass marks line elements inside the current URL selection.
const SelectedClass = "sightline-selected-line"

// selectionsFromURL derives line selections for the adapter's host, empty
// when the URL carries none or the host has no linkable selections.
func selectionsFromURL(adapter *hosts.Adapter, pageURL string) []codeview.LineRange {
	if adapter == nil || adapter.Selections == nil {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	return adapter.Selections(u)
}

// applySelections replaces a view's selection highlight with the given
// ranges, returning the zero-based lines now marked. Late-mounted views get
// the current selection through this same path, so prev is nil for them.
func applySelections(view *codeview.View, ranges []codeview.LineRange, prev []int) []int {
	acc := view.Spec.Accessor
	for _, line := range prev {
		if el := acc.CodeElementFromLine(view.Root, line, codeview.PartHead); el != nil {
			el.RemoveClass(SelectedClass)
		}
		// Part-less views ignore the part argument, so one pass covers
		// both shapes; the base side is never selection-addressable.
	}

	var applied []int
	for _, r := range ranges {
		for line := r.Start; line <= r.End; line++ {
			el := acc.CodeElementFromLine(view.Root, line, codeview.PartHead)
			if el == nil {
				continue // selection extends past the rendered file
			}
			el.AddClass(SelectedClass)
			applied = append(applied, line)
		}
	}
	return applied
}
