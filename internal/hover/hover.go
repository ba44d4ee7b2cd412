// Package hover is the shared hover state machine. One Hoverifier serves a
// whole page: code views are registered as they become interactive, mouse
// events are reduced against the registered views, and the single tooltip
// state is mutated only here. Stale computations lose to newer ones by
// sequence number at the rendering boundary.
package hover

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sightline-dev/sightline/internal/backend"
	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/event"
)

// Source is the slice of the backend the hoverifier needs.
type Source interface {
	HoverAt(ctx context.Context, repo, commit, path string, pos codeview.Position) (*backend.Hover, error)
}

// State is the tooltip's current condition. A zero State means hidden.
type State struct {
	AnchorID int    // code element the overlay is anchored to
	HTML     string // rendered tooltip contents
	Seq      uint64
	Visible  bool
}

// registered is a code view wired into the hoverifier.
type registered struct {
	view *codeview.View
	info *codeview.FileInfo
}

// target returns the backend coordinates for the given diff part.
func (r *registered) target(part codeview.DiffPart) (repo, commit, path string) {
	if part == codeview.PartBase && r.info.IsDiff() {
		return r.info.BaseRepoName, r.info.BaseCommitID, r.info.BaseFilePath
	}
	return r.info.RepoName, r.info.CommitID, r.info.FilePath
}

// tokenKey identifies the token a hover was computed for, to avoid
// re-requesting while the pointer moves within one token.
type tokenKey struct {
	viewID   string
	part     codeview.DiffPart
	line     int
	startCol int
}

// Hoverifier drives the shared tooltip.
type Hoverifier struct {
	source Source
	emit   func(event.Patch)
	seq    atomic.Uint64

	mu        sync.Mutex
	views     []*registered
	state     State
	lastToken tokenKey
	hasToken  bool
}

// New creates a Hoverifier that reports tooltip changes through emit.
func New(source Source, emit func(event.Patch)) *Hoverifier {
	return &Hoverifier{source: source, emit: emit}
}

// Hoverify wires a resolved code view into the state machine. The view's
// root may vanish at any time; lookups tolerate that.
func (h *Hoverifier) Hoverify(view *codeview.View, info *codeview.FileInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views = append(h.views, &registered{view: view, info: info})
}

// Reap drops registered views whose roots left the document. Client-side
// routed hosts replace code views for the session's whole lifetime, so the
// registry would otherwise grow without bound.
func (h *Hoverifier) Reap() {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.views[:0]
	for _, reg := range h.views {
		if reg.view.Root.IsConnected() {
			kept = append(kept, reg)
		}
	}
	for i := len(kept); i < len(h.views); i++ {
		h.views[i] = nil
	}
	h.views = kept
}

// State returns the current tooltip state.
func (h *Hoverifier) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// hit is a resolved event target: the view it landed in, the code element
// owning the line, and the position in actual file coordinates.
type hit struct {
	reg    *registered
	codeEl *dom.Node
	pos    codeview.Position
}

// locate resolves an event target node and caret offset to a hit, false
// when the target is not over code.
func (h *Hoverifier) locate(ctx context.Context, doc *dom.Document, nodeID, offset int) (hit, bool) {
	node := doc.NodeByID(nodeID)
	if node == nil {
		return hit{}, false
	}
	reg := h.viewFor(node)
	if reg == nil {
		return hit{}, false
	}
	acc := reg.view.Spec.Accessor
	codeEl := acc.CodeElementFromTarget(reg.view.Root, node)
	if codeEl == nil {
		return hit{}, false
	}
	line, part, err := acc.LineFromCodeElement(codeEl)
	if err != nil {
		return hit{}, false
	}

	pos := codeview.Position{Line: line, Character: offset, Part: part}
	if adjust := reg.view.Spec.Adjuster; adjust != nil {
		pos, err = adjust(ctx, codeview.AdjustArgs{
			Direction: codeview.CodeViewToActual,
			View:      reg.view,
			FileInfo:  reg.info,
			Position:  pos,
		})
		if err != nil {
			log.Printf("hover: adjust position: %v", err)
			return hit{}, false
		}
	}
	return hit{reg: reg, codeEl: codeEl, pos: pos}, true
}

// Locate resolves an event target to the view, file info and actual file
// position under it, for consumers beyond the tooltip (definition jumps).
func (h *Hoverifier) Locate(ctx context.Context, doc *dom.Document, nodeID, offset int) (*codeview.View, *codeview.FileInfo, codeview.Position, bool) {
	target, ok := h.locate(ctx, doc, nodeID, offset)
	if !ok {
		return nil, nil, codeview.Position{}, false
	}
	return target.reg.view, target.reg.info, target.pos, true
}

// OnMouseMove reduces a pointer event into tooltip state.
func (h *Hoverifier) OnMouseMove(ctx context.Context, doc *dom.Document, ev event.MouseMove) {
	target, ok := h.locate(ctx, doc, ev.NodeID, ev.Offset)
	if !ok {
		h.Clear()
		return
	}
	reg, codeEl, pos := target.reg, target.codeEl, target.pos
	part := pos.Part

	lineText, ok := reg.info.LineContent(pos.Line, part)
	if !ok {
		// Degraded view without content: the rendered text is the best
		// approximation we have.
		lineText = codeEl.CodeText()
	}
	token, ok := TokenAt(lineText, pos.Character, reg.info.FilePath)
	if !ok {
		h.Clear()
		return
	}

	key := tokenKey{viewID: reg.view.ID, part: part, line: pos.Line, startCol: token.StartCol}
	h.mu.Lock()
	if h.hasToken && h.lastToken == key {
		h.mu.Unlock()
		return
	}
	h.lastToken = key
	h.hasToken = true
	h.mu.Unlock()

	seq := h.seq.Add(1)
	go h.fetch(ctx, reg, codeEl, key, token, seq)
}

// fetch asks the backend for hover contents and publishes the result if it
// is still the newest computation.
func (h *Hoverifier) fetch(ctx context.Context, reg *registered, codeEl *dom.Node, key tokenKey, token Token, seq uint64) {
	repo, commit, path := reg.target(key.part)
	hov, err := h.source.HoverAt(ctx, repo, commit, path, codeview.Position{Line: key.line, Character: token.StartCol, Part: key.part})
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("hover: fetch %s@%s:%s:%d:%d: %v", repo, commit, path, key.line, token.StartCol, err)
		}
		return
	}

	if hov == nil {
		h.publish(State{Seq: seq})
		return
	}
	html, err := RenderTooltip(hov.Contents)
	if err != nil {
		log.Printf("hover: %v", err)
		return
	}
	h.publish(State{AnchorID: codeEl.ID(), HTML: html, Seq: seq, Visible: true})
}

// publish installs a state if no newer one has landed, and emits the
// corresponding patch.
func (h *Hoverifier) publish(s State) {
	h.mu.Lock()
	if s.Seq < h.state.Seq {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()

	if s.Visible {
		h.emit(event.Hover{AnchorID: s.AnchorID, HTML: s.HTML, Seq: s.Seq})
	} else {
		h.emit(event.ClearHover{Seq: s.Seq})
	}
}

// Clear hides the tooltip, superseding in-flight computations.
func (h *Hoverifier) Clear() {
	h.mu.Lock()
	wasVisible := h.state.Visible || h.hasToken
	h.hasToken = false
	h.mu.Unlock()
	if !wasVisible {
		return
	}
	h.publish(State{Seq: h.seq.Add(1)})
}

// viewFor finds the registered, still-connected view containing node.
func (h *Hoverifier) viewFor(node *dom.Node) *registered {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.views) - 1; i >= 0; i-- {
		reg := h.views[i]
		if reg.view.Root.IsConnected() && reg.view.Root.Contains(node) {
			return reg
		}
	}
	return nil
}
