// Package locator finds and tracks code view elements in a DOM mirror. It
// is a pure reducer driven by its owner's run loop: an initial scan of the
// document body, a rescan of every subtree a mutation adds, and viewport
// gating keyed on intersection acknowledgements. Emission is deduplicated
// per root element and, when gating is enabled, deferred until the root
// intersects the configured viewport margin. The locator never starts
// goroutines and never touches the tree except inside the caller's calls,
// so a single loop owns all DOM access.
package locator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/event"
)

// DefaultViewportMargin is how far outside the viewport (in px) a code view
// may be and still be activated. Roots further away stay stashed until an
// intersection event releases them, so a thousand-file diff does not
// hoverify off-screen files.
const DefaultViewportMargin = 250

// SelectorSpec pairs a CSS selector with the static code view configuration
// applied to every match.
type SelectorSpec struct {
	Selector string
	Spec     *codeview.Spec
}

// Resolver locates candidate elements by selector and decides per element
// whether they are actually code views. Returning (nil, nil) rejects the
// element (rendered markdown, embedded gists); returning an error aborts
// the scan branch and is surfaced to the caller.
type Resolver struct {
	Selector string
	Resolve  func(root *dom.Node) (*codeview.Spec, error)
}

// Source is the tagged variant of a host's code view configuration: either
// a static selector list or a single resolver. Exactly one side is set; a
// zero Source yields an empty stream.
type Source struct {
	static   []SelectorSpec
	resolver *Resolver
}

// Static builds a Source from fixed selector/spec pairs.
func Static(specs ...SelectorSpec) Source {
	return Source{static: specs}
}

// Resolve builds a Source from a resolver.
func Resolve(selector string, fn func(*dom.Node) (*codeview.Spec, error)) Source {
	return Source{resolver: &Resolver{Selector: selector, Resolve: fn}}
}

// IsZero reports whether the source has no configuration at all.
func (s Source) IsZero() bool {
	return len(s.static) == 0 && s.resolver == nil
}

// Locator scans a document for code views and hands located views to its
// emit callback.
type Locator struct {
	doc    *dom.Document
	source Source
	emit   func(*codeview.View)
	margin int

	// observe, when set, is called to request intersection observation of a
	// root; emission then waits for the matching Release call. When nil
	// (offline scan, tests) roots are emitted synchronously.
	observe func(event.Observe)

	pending map[int]*codeview.View
	emitted map[int]bool
}

// Option configures a Locator.
type Option func(*Locator)

// WithViewportMargin overrides the default intersection margin.
func WithViewportMargin(px int) Option {
	return func(l *Locator) { l.margin = px }
}

// WithObserver enables viewport gating. fn forwards an Observe patch to the
// shim; the shim answers with an Intersection event, which the owner turns
// into a Release call.
func WithObserver(fn func(event.Observe)) Option {
	return func(l *Locator) { l.observe = fn }
}

// New builds a Locator handing located views to emit.
func New(doc *dom.Document, source Source, emit func(*codeview.View), opts ...Option) *Locator {
	l := &Locator{
		doc:     doc,
		source:  source,
		emit:    emit,
		margin:  DefaultViewportMargin,
		pending: make(map[int]*codeview.View),
		emitted: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ScanDocument runs the initial scan over the document body. A zero source
// yields nothing, not an error.
func (l *Locator) ScanDocument() error {
	if l.source.IsZero() {
		return nil
	}
	return l.scan(l.doc.Body(), true)
}

// ScanNode rescans a subtree a mutation added. A resolver error terminates
// this scan branch only; the locator stays usable.
func (l *Locator) ScanNode(added *dom.Node) error {
	if l.source.IsZero() || added == nil || !added.IsConnected() {
		return nil
	}
	return l.scan(added, true)
}

// Release emits the stashed view for a root once it intersected the
// viewport. Unknown or already-released roots are ignored, so a duplicate
// intersection never re-emits.
func (l *Locator) Release(nodeID int) {
	view, ok := l.pending[nodeID]
	if !ok {
		return
	}
	delete(l.pending, nodeID)
	if !view.Root.IsConnected() {
		return
	}
	l.doEmit(view)
}

// scan finds matches inside container (and, when includeSelf is set, the
// container itself) and routes each through the dedupe stash and viewport
// gate.
func (l *Locator) scan(container *dom.Node, includeSelf bool) error {
	for _, ss := range l.source.static {
		if includeSelf && container.Matches(ss.Selector) && !container.IsInjected() {
			l.found(container, ss.Spec)
		}
		for _, m := range container.QuerySelectorAll(ss.Selector) {
			l.found(m, ss.Spec)
		}
	}

	if r := l.source.resolver; r != nil {
		matches := container.QuerySelectorAll(r.Selector)
		if includeSelf && container.Matches(r.Selector) && !container.IsInjected() {
			matches = append([]*dom.Node{container}, matches...)
		}
		for _, m := range matches {
			spec, err := r.Resolve(m)
			if err != nil {
				return fmt.Errorf("locator: resolve code view: %w", err)
			}
			if spec == nil {
				continue // not actually a code view
			}
			l.found(m, spec)
		}
	}
	return nil
}

// found admits a match once per distinct root, stashing it behind the
// viewport gate when one is configured.
func (l *Locator) found(root *dom.Node, spec *codeview.Spec) {
	id := root.ID()
	if l.emitted[id] || l.pending[id] != nil {
		return
	}
	view := &codeview.View{
		ID:   uuid.NewString(),
		Root: root,
		Spec: spec,
	}
	if l.observe == nil {
		l.doEmit(view)
		return
	}
	l.pending[id] = view
	l.observe(event.Observe{NodeID: id, MarginPx: l.margin})
}

func (l *Locator) doEmit(view *codeview.View) {
	l.emitted[view.Root.ID()] = true
	l.emit(view)
}

// Reap prunes stash and dedupe entries whose roots left the document, so a
// long-lived page with heavy client-side routing does not accumulate state
// for views that no longer exist. Owners call it on mutation ticks.
func (l *Locator) Reap() {
	for id, v := range l.pending {
		if !v.Root.IsConnected() {
			delete(l.pending, id)
		}
	}
	for id := range l.emitted {
		if n := l.doc.NodeByID(id); n == nil || !n.IsConnected() {
			delete(l.emitted, id)
		}
	}
}
