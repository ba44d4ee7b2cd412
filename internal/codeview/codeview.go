// Package codeview holds the domain types shared by the overlay pipeline: a
// located code view, the identity of the content it renders, positions
// within it, and the per-host accessor and adjuster contracts.
package codeview

import (
	"context"
	"errors"
	"fmt"

	"github.com/sightline-dev/sightline/internal/dom"
)

// DiffPart identifies which side of a two-sided comparison a position or
// decoration belongs to. Empty for single-file views.
type DiffPart string

const (
	PartHead DiffPart = "head"
	PartBase DiffPart = "base"
)

// Position is a zero-based line and character offset, optionally tagged
// with a diff part.
type Position struct {
	Line      int
	Character int
	Part      DiffPart
}

func (p Position) String() string {
	if p.Part != "" {
		return fmt.Sprintf("%d:%d(%s)", p.Line, p.Character, p.Part)
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Character)
}

// LineRange is an inclusive zero-based line span, used for URL-derived
// selections.
type LineRange struct {
	Start int
	End   int
}

// Accessor maps between DOM nodes and line coordinates for one code view
// shape. Implementations are per host and per shape (blob, unified diff,
// split diff, snippet).
type Accessor interface {
	// CodeElementFromTarget resolves an arbitrary event target inside the
	// code view to the element owning the line's text, or nil when the
	// target is outside any line or belongs to injected UI.
	CodeElementFromTarget(view, target *dom.Node) *dom.Node

	// CodeElementFromLine returns the element for a zero-based line, or nil
	// (never panics) when the line is out of range.
	CodeElementFromLine(view *dom.Node, line int, part DiffPart) *dom.Node

	// LineFromCodeElement is the inverse lookup. It returns an error when
	// the element is not a code line; callers only invoke it on elements
	// already confirmed by CodeElementFromTarget.
	LineFromCodeElement(el *dom.Node) (line int, part DiffPart, err error)
}

// Direction selects which way a position adjustment runs.
type Direction int

const (
	// ActualToCodeView converts a position in the real file content to the
	// position as rendered in this DOM (for placing UI).
	ActualToCodeView Direction = iota
	// CodeViewToActual converts a rendered DOM position back into real file
	// coordinates (for interpreting a click or hover).
	CodeViewToActual
)

// AdjustArgs carries everything an adjuster needs for one conversion.
type AdjustArgs struct {
	Direction Direction
	View      *View
	FileInfo  *FileInfo
	Position  Position
}

// PositionAdjuster corrects coordinate drift between what the DOM displays
// and what the underlying file contains (tab expansion, trimmed leading
// whitespace). Implementations must be self-inverse on unchanged content and
// must fail loudly when the expected code element cannot be located; a
// silently unadjusted position would misplace tooltips without signal.
type PositionAdjuster func(ctx context.Context, args AdjustArgs) (Position, error)

// ToolbarMount returns (creating on first call) the element under which the
// toolbar for this code view is mounted. Implementations must be idempotent.
type ToolbarMount func(doc *dom.Document, root *dom.Node) *dom.Node

// FileInfoResolver determines what content a code view renders. Resolvers
// only read the DOM; when a page pins a symbolic revision instead of a
// commit, they record it in FileInfo.Revision (or BaseRevision) and leave
// the commit ID for fileinfo.ResolveRevisions to fill off the event loop.
// The result must satisfy FileInfo.Validate.
type FileInfoResolver func(doc *dom.Document, root *dom.Node) (*FileInfo, error)

// ContentSource is the slice of the backend the resolvers need: revision
// materialization and raw file content.
type ContentSource interface {
	// ResolveRevision resolves rev to a commit ID, waiting out clone in
	// progress. It returns backend.ErrPrivateRepo-shaped errors unwrapped so
	// callers can degrade.
	ResolveRevision(ctx context.Context, repo, rev string) (string, error)
	// RawContent fetches the file's full text at a commit.
	RawContent(ctx context.Context, repo, commit, path string) (string, error)
}

// Spec is the static configuration attached to a selector match: how to
// read the matched subtree. It corresponds to one code view shape on one
// host.
type Spec struct {
	Accessor     Accessor
	FileInfo     FileInfoResolver
	Adjuster     PositionAdjuster // optional
	ToolbarMount ToolbarMount     // optional
	IsDiff       bool
}

// View is a located code view: a Spec bound to the root element it matched.
// The root is owned by the host page and can vanish at any time; consumers
// gate work on root.IsConnected.
type View struct {
	ID   string
	Root *dom.Node
	Spec *Spec
}

// ErrNotCodeElement is returned by LineFromCodeElement for elements that do
// not own a code line.
var ErrNotCodeElement = errors.New("element is not a code line")
