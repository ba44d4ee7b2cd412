// Package event defines the typed messages flowing between the in-page shim
// and the overlay engine. Observer callbacks on the page (mutation records,
// intersection notifications, mouse movement) become inbound Events on a
// single ordered stream; engine output (DOM patches, observe requests,
// hover overlays) becomes outbound Patches. Modeling both directions as
// plain values keeps the pipeline testable without a browser: tests publish
// events directly and assert on the patches that come out.
package event

// Event is an inbound message from the page.
type Event interface{ isEvent() }

// Mutation reports that the page appended new subtrees under ParentID. The
// raw fragment rides along untouched; the controller run loop owns the DOM
// mirror and applies the fragment there, so no other goroutine ever
// mutates the tree.
type Mutation struct {
	ParentID int
	HTML     string
}

// Intersection reports that an observed element entered the configured
// viewport margin.
type Intersection struct {
	NodeID int
}

// MouseMove reports the pointer position over a node. Offset is the rune
// offset into the node's own text where the caret would fall, as reported
// by the shim's caret-from-point lookup.
type MouseMove struct {
	NodeID int
	Offset int
}

// Click reports a click, with the same addressing as MouseMove.
type Click struct {
	NodeID int
	Offset int
}

// URLChange reports client-side navigation (history pushState or hash
// change). Selection state is re-derived from the new URL.
type URLChange struct {
	URL string
}

// Scroll reports that the page scrolled; any visible hover overlay is
// dismissed.
type Scroll struct{}

// Unload reports that the page is going away; the session tears down.
type Unload struct{}

func (Mutation) isEvent()     {}
func (Intersection) isEvent() {}
func (MouseMove) isEvent()    {}
func (Click) isEvent()        {}
func (URLChange) isEvent()    {}
func (Scroll) isEvent()       {}
func (Unload) isEvent()       {}
