package event

// Patch is an outbound command to the in-page shim.
type Patch interface{ isPatch() }

// Observe asks the shim to start intersection-observing a node with the
// given viewport margin. The shim answers with an Intersection event once
// the node enters (or is already inside) the expanded viewport.
type Observe struct {
	NodeID   int
	MarginPx int
}

// ReplaceNode swaps a node's rendered HTML in the live page for the
// mirror's current serialization. Used after decoration application.
type ReplaceNode struct {
	NodeID int
	HTML   string
}

// MountToolbar appends toolbar HTML under the given mount point.
type MountToolbar struct {
	NodeID int
	HTML   string
}

// Hover shows the tooltip overlay anchored to a node. Seq implements
// latest-wins at the rendering boundary: the shim drops any Hover whose Seq
// is lower than the last one it rendered.
type Hover struct {
	AnchorID int
	HTML     string
	Seq      uint64
}

// ClearHover dismisses the tooltip overlay.
type ClearHover struct {
	Seq uint64
}

// Navigate asks the shim to take the page to a new URL (definition jumps).
type Navigate struct {
	URL string
}

func (Observe) isPatch()      {}
func (ReplaceNode) isPatch()  {}
func (MountToolbar) isPatch() {}
func (Hover) isPatch()        {}
func (ClearHover) isPatch()   {}
func (Navigate) isPatch()     {}
