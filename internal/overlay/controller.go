// Package overlay is the orchestrator: it binds one page session together.
// A Controller selects the host adapter for the page, runs the code view
// locator over the event stream, and walks every located view through the
// pipeline: file info resolution, content fetch, hoverification, toolbar
// mount, selection highlight, decoration feed. Each view is wrapped in its
// own error boundary, so one broken view degrades alone while the rest of
// the page stays interactive.
package overlay

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/sightline-dev/sightline/internal/backend"
	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/decorations"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/event"
	"github.com/sightline-dev/sightline/internal/fileinfo"
	"github.com/sightline-dev/sightline/internal/hosts"
	"github.com/sightline-dev/sightline/internal/hover"
	"github.com/sightline-dev/sightline/internal/locator"
)

// Backend is everything the controller needs from the code intelligence
// service. *backend.Client satisfies it; tests substitute fakes.
type Backend interface {
	codeview.ContentSource
	HoverAt(ctx context.Context, repo, commit, path string, pos codeview.Position) (*backend.Hover, error)
	DefinitionAt(ctx context.Context, repo, commit, path string, pos codeview.Position) (*backend.Location, error)
	Decorations(ctx context.Context, uri string) <-chan []codeview.Decoration
}

// Controller drives the overlay pipeline for one page session. The Run
// loop is the only goroutine that touches the DOM mirror: it applies
// mutation fragments, drives the locator reducer, and runs every per-view
// pipeline stage. Goroutines only talk to the network and report back over
// channels.
type Controller struct {
	doc      *dom.Document
	registry *hosts.Registry
	backend  Backend
	emit     func(event.Patch)

	margin int
	retry  fileinfo.RetryPolicy
	gated  bool

	hoverifier *hover.Hoverifier
	docs       *documents
	selection  []codeview.LineRange

	active map[string]*activeView // keyed by view ID
}

// activeView is a fully activated code view and its mutable overlay state.
type activeView struct {
	view      *codeview.View
	info      *codeview.FileInfo
	decorated []decorations.AppliedLine
	selected  []int
}

// Option configures a Controller.
type Option func(*Controller)

// WithViewportMargin overrides the locator's intersection margin.
func WithViewportMargin(px int) Option {
	return func(c *Controller) { c.margin = px }
}

// WithRetryPolicy overrides the clone-in-progress retry policy.
func WithRetryPolicy(p fileinfo.RetryPolicy) Option {
	return func(c *Controller) { c.retry = p }
}

// WithoutViewportGating activates every located view immediately. The scan
// CLI uses this; saved pages have no viewport.
func WithoutViewportGating() Option {
	return func(c *Controller) { c.gated = false }
}

// New builds a Controller emitting patches through emit.
func New(doc *dom.Document, registry *hosts.Registry, be Backend, emit func(event.Patch), opts ...Option) *Controller {
	c := &Controller{
		doc:      doc,
		registry: registry,
		backend:  be,
		emit:     emit,
		margin:   locator.DefaultViewportMargin,
		retry:    fileinfo.DefaultRetry,
		gated:    true,
		docs:     newDocuments(),
		active:   make(map[string]*activeView),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VisibleDocuments returns the URIs currently rendered by connected code
// views. Safe to call from any goroutine; the scan CLI polls it while Run
// is still going.
func (c *Controller) VisibleDocuments() []string { return c.docs.Visible() }

// decoUpdate carries a decoration feed emission back onto the Run loop.
type decoUpdate struct {
	viewID string
	decos  []codeview.Decoration
}

// activation carries the result of a view's network phase (revision
// resolution, content fetch) back onto the Run loop.
type activation struct {
	view *codeview.View
	info *codeview.FileInfo
	err  error
}

// Run selects the adapter for pageURL and processes the bus until the
// stream ends or ctx is done. Returns nil on a page no adapter claims.
func (c *Controller) Run(ctx context.Context, bus *event.Bus, pageURL string) error {
	adapter := c.registry.Select(c.doc, pageURL)
	if adapter == nil {
		log.Printf("overlay: no adapter for %s", pageURL)
		return nil
	}
	log.Printf("overlay: %s handling %s", adapter.Name, pageURL)

	if adapter.OverlayMount != nil {
		if mount := adapter.OverlayMount(c.doc); mount != nil {
			c.emit(event.MountToolbar{NodeID: mount.ID(), HTML: overlayHTML(adapter.Name)})
		}
	}

	c.hoverifier = hover.New(c.backend, c.emit)
	c.selection = selectionsFromURL(adapter, pageURL)

	decoCh := make(chan decoUpdate, 16)
	actCh := make(chan activation, 16)
	locOpts := []locator.Option{locator.WithViewportMargin(c.margin)}
	if c.gated {
		locOpts = append(locOpts, locator.WithObserver(func(o event.Observe) { c.emit(o) }))
	}
	loc := locator.New(c.doc, adapter.Source, func(view *codeview.View) {
		c.boundary(view, func() error { return c.beginActivation(ctx, view, actCh) })
	}, locOpts...)

	events := bus.Subscribe()

	if err := loc.ScanDocument(); err != nil {
		// A failing resolver degrades the page to no (further) code views
		// rather than tearing down the session.
		log.Printf("overlay: initial scan: %v", err)
	}
	return c.loop(ctx, adapter, loc, events, actCh, decoCh)
}

// loop is the single reducer over events, activation completions and
// decoration updates.
func (c *Controller) loop(ctx context.Context, adapter *hosts.Adapter, loc *locator.Locator, events <-chan event.Event, actCh chan activation, decoCh chan decoUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case act := <-actCh:
			if !act.view.Root.IsConnected() {
				continue
			}
			c.boundary(act.view, func() error {
				if act.err != nil {
					return act.err
				}
				return c.finishActivation(ctx, act.view, act.info, decoCh)
			})

		case upd := <-decoCh:
			av := c.active[upd.viewID]
			if av == nil || !av.view.Root.IsConnected() {
				continue
			}
			c.boundary(av.view, func() error { return c.applyDecorations(av, upd.decos) })

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case event.Mutation:
				loc.Reap()
				c.reap()
				added, err := c.doc.ApplyMutation(ev.ParentID, ev.HTML)
				if err != nil {
					log.Printf("overlay: %v", err)
					continue
				}
				for _, n := range added {
					if err := loc.ScanNode(n); err != nil {
						log.Printf("overlay: rescan: %v", err)
					}
				}
			case event.Intersection:
				loc.Release(ev.NodeID)
			case event.MouseMove:
				c.hoverifier.OnMouseMove(ctx, c.doc, ev)
			case event.Click:
				c.jumpToDefinition(ctx, ev)
			case event.Scroll:
				c.hoverifier.Clear()
			case event.URLChange:
				c.hoverifier.Clear()
				c.selection = selectionsFromURL(adapter, ev.URL)
				for _, av := range c.active {
					if !av.view.Root.IsConnected() {
						continue
					}
					hadSelection := len(av.selected) > 0
					av.selected = applySelections(av.view, c.selection, av.selected)
					if hadSelection || len(av.selected) > 0 {
						c.pushView(av)
					}
				}
			case event.Unload:
				return nil
			}
		}
	}
}

// beginActivation runs the DOM half of a view's pipeline on the loop: the
// resolver reads the mirror and nothing else. The network half (revision
// resolution with its clone polling, content fetch) goes to a goroutine
// per view, so a slow repository never stalls the event stream; the result
// comes back through actCh for finishActivation.
func (c *Controller) beginActivation(ctx context.Context, view *codeview.View, actCh chan activation) error {
	info, err := view.Spec.FileInfo(c.doc, view.Root)
	if err != nil {
		return fmt.Errorf("resolve file info: %w", err)
	}
	src := retrySource{src: c.backend, retry: c.retry}
	go func() {
		err := fileinfo.ResolveRevisions(ctx, src, info)
		if err == nil {
			err = fileinfo.FetchContents(ctx, src, info)
		}
		select {
		case actCh <- activation{view: view, info: info, err: err}:
		case <-ctx.Done():
		}
	}()
	return nil
}

// finishActivation wires a resolved view into the interactive overlay. It
// runs on the loop; the caller has already confirmed the root is still
// connected.
func (c *Controller) finishActivation(ctx context.Context, view *codeview.View, info *codeview.FileInfo, decoCh chan decoUpdate) error {
	c.hoverifier.Hoverify(view, info)

	av := &activeView{view: view, info: info}
	c.active[view.ID] = av

	c.docs.Add(info.URI(), view.Root)
	if info.IsDiff() {
		c.docs.Add(info.BaseURI(), view.Root)
	}

	if mountFn := view.Spec.ToolbarMount; mountFn != nil {
		if mount := mountFn(c.doc, view.Root); mount != nil {
			c.emit(event.MountToolbar{NodeID: mount.ID(), HTML: toolbarHTML(info)})
		}
	}

	av.selected = applySelections(view, c.selection, nil)
	if len(av.selected) > 0 {
		c.pushView(av)
	}

	// Every view subscribes to its head document's feed; decorations
	// address head-side lines, so on diffs only the head column lights up.
	feed := c.backend.Decorations(ctx, info.URI())
	go func(id string) {
		for decos := range feed {
			select {
			case decoCh <- decoUpdate{viewID: id, decos: decos}:
			case <-ctx.Done():
				return
			}
		}
	}(view.ID)
	return nil
}

// applyDecorations replaces a view's decorations and pushes the re-rendered
// subtree to the page.
func (c *Controller) applyDecorations(av *activeView, decos []codeview.Decoration) error {
	av.decorated = decorations.Apply(av.view, decos, codeview.PartHead, av.decorated)
	c.pushView(av)
	return nil
}

// pushView replaces the live page's copy of a view with the mirror's
// current serialization.
func (c *Controller) pushView(av *activeView) {
	html, err := av.view.Root.OuterHTML()
	if err != nil {
		log.Printf("overlay: serialize view %s: %v", av.view.ID, err)
		return
	}
	c.emit(event.ReplaceNode{NodeID: av.view.Root.ID(), HTML: html})
}

// jumpToDefinition resolves the clicked token's definition and navigates.
func (c *Controller) jumpToDefinition(ctx context.Context, ev event.Click) {
	_, info, pos, ok := c.hoverifier.Locate(ctx, c.doc, ev.NodeID, ev.Offset)
	if !ok {
		return
	}
	repo, commit, path := info.RepoName, info.CommitID, info.FilePath
	if pos.Part == codeview.PartBase && info.IsDiff() {
		repo, commit, path = info.BaseRepoName, info.BaseCommitID, info.BaseFilePath
	}
	loc, err := c.backend.DefinitionAt(ctx, repo, commit, path, pos)
	if err != nil {
		log.Printf("overlay: definition at %s:%s: %v", path, pos, err)
		return
	}
	if loc == nil {
		return
	}
	c.emit(event.Navigate{URL: definitionURL(loc)})
}

// definitionURL renders a best-effort web URL for a definition target. Repo
// names are host-prefixed (github.com/owner/repo), so the blob URL shape
// works for the hosts we integrate; unknown hosts still get a usable path.
func definitionURL(loc *backend.Location) string {
	host, rest, _ := strings.Cut(loc.RepoName, "/")
	u := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     "/" + rest + "/blob/" + loc.CommitID + "/" + loc.FilePath,
		Fragment: fmt.Sprintf("L%d", loc.Line+1),
	}
	return u.String()
}

// reap drops controller state for views that left the document.
func (c *Controller) reap() {
	c.docs.Reap()
	c.hoverifier.Reap()
	for id, av := range c.active {
		if !av.view.Root.IsConnected() {
			delete(c.active, id)
		}
	}
}

// boundary is the uniform per-code-view error guard: panics and errors in
// one view's pipeline are logged and contained.
func (c *Controller) boundary(view *codeview.View, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("overlay: view %s: panic: %v", view.ID, r)
		}
	}()
	if err := fn(); err != nil {
		log.Printf("overlay: view %s degraded: %v", view.ID, err)
	}
}

// toolbarHTML renders the per-file toolbar contents.
func toolbarHTML(info *codeview.FileInfo) string {
	return fmt.Sprintf(`<span class="%s toolbar-label" data-uri="%s">code intel</span>`,
		dom.InjectedClass, info.URI())
}

// overlayHTML renders the page-level overlay mount contents.
func overlayHTML(host string) string {
	return fmt.Sprintf(`<span class="%s overlay-status" data-host="%s"></span>`,
		dom.InjectedClass, host)
}

// retrySource wraps the backend so resolvers transparently wait out clone
// in progress.
type retrySource struct {
	src   codeview.ContentSource
	retry fileinfo.RetryPolicy
}

func (r retrySource) ResolveRevision(ctx context.Context, repo, rev string) (string, error) {
	return fileinfo.EnsureCloned(ctx, r.src, repo, rev, r.retry)
}

func (r retrySource) RawContent(ctx context.Context, repo, commit, path string) (string, error) {
	return r.src.RawContent(ctx, repo, commit, path)
}
