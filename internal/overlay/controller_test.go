package overlay

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sightline-dev/sightline/internal/backend"
	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/decorations"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/event"
	"github.com/sightline-dev/sightline/internal/hosts"
	"github.com/sightline-dev/sightline/internal/locator"
)

// testAccessor reads the fixture tables used throughout these tests: one tr
// per line with data-line-number, code in td.code.
type testAccessor struct{}

func (testAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.code")
	if el == nil || !view.Contains(el) {
		return nil
	}
	return el
}

func (testAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	row := view.QuerySelector(fmt.Sprintf(`tr[data-line-number="%d"]`, line+1))
	if row == nil {
		return nil
	}
	return row.QuerySelector("td.code")
}

func (testAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	row := el.Closest("tr[data-line-number]")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	n, err := strconv.Atoi(row.AttrOr("data-line-number", ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, "", nil
}

// testDiffAccessor reads two-column diff fixtures: td.base-code addressed
// by data-base-line, td.head-code by data-head-line.
type testDiffAccessor struct{}

func (testDiffAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.base-code, td.head-code")
	if el == nil || !view.Contains(el) {
		return nil
	}
	return el
}

func (testDiffAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	attr, cell := "data-head-line", "td.head-code"
	if part == codeview.PartBase {
		attr, cell = "data-base-line", "td.base-code"
	}
	row := view.QuerySelector(fmt.Sprintf(`tr[%s="%d"]`, attr, line+1))
	if row == nil {
		return nil
	}
	return row.QuerySelector(cell)
}

func (testDiffAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	row := el.Closest("tr")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	attr, part := "data-head-line", codeview.PartHead
	if el.Matches("td.base-code") {
		attr, part = "data-base-line", codeview.PartBase
	}
	n, err := strconv.Atoi(row.AttrOr(attr, ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, part, nil
}

// fakeBackend scripts the code intelligence service. Resolving the
// revision "slow" parks until slowGate is closed, standing in for a
// repository that is still cloning.
type fakeBackend struct {
	mu          sync.Mutex
	hover       *backend.Hover
	location    *backend.Location
	feeds       map[string]chan []codeview.Decoration
	feedCount   int
	slowGate    chan struct{}
	slowWaiters int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		feeds:    make(map[string]chan []codeview.Decoration),
		slowGate: make(chan struct{}),
	}
}

func (f *fakeBackend) ResolveRevision(ctx context.Context, repo, rev string) (string, error) {
	if rev == "slow" {
		f.mu.Lock()
		f.slowWaiters++
		f.mu.Unlock()
		select {
		case <-f.slowGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "resolved-" + rev, nil
}

func (f *fakeBackend) slowStarted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slowWaiters
}

func (f *fakeBackend) RawContent(ctx context.Context, repo, commit, path string) (string, error) {
	return "", fmt.Errorf("no content for %s", path)
}

func (f *fakeBackend) HoverAt(ctx context.Context, repo, commit, path string, pos codeview.Position) (*backend.Hover, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hover, nil
}

func (f *fakeBackend) DefinitionAt(ctx context.Context, repo, commit, path string, pos codeview.Position) (*backend.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location, nil
}

func (f *fakeBackend) Decorations(ctx context.Context, uri string) <-chan []codeview.Decoration {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []codeview.Decoration, 4)
	f.feeds[uri] = ch
	f.feedCount++
	return ch
}

func (f *fakeBackend) feed(uri string) chan []codeview.Decoration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeds[uri]
}

func (f *fakeBackend) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feedCount
}

// patchRec records emitted patches and auto-acks observe requests so gated
// views activate without a real shim.
type patchRec struct {
	mu      sync.Mutex
	patches []event.Patch
	bus     *event.Bus
}

func (p *patchRec) emit(patch event.Patch) {
	p.mu.Lock()
	p.patches = append(p.patches, patch)
	p.mu.Unlock()
	if o, ok := patch.(event.Observe); ok && p.bus != nil {
		go p.bus.Publish(event.Intersection{NodeID: o.NodeID})
	}
}

func (p *patchRec) count(match func(event.Patch) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, patch := range p.patches {
		if match(patch) {
			n++
		}
	}
	return n
}

func (p *patchRec) last(match func(event.Patch) bool) (event.Patch, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.patches) - 1; i >= 0; i-- {
		if match(p.patches[i]) {
			return p.patches[i], true
		}
	}
	return nil, false
}

func isReplace(p event.Patch) bool { _, ok := p.(event.ReplaceNode); return ok }
func isHover(p event.Patch) bool   { _, ok := p.(event.Hover); return ok }

type harness struct {
	t    *testing.T
	doc  *dom.Document
	bus  *event.Bus
	rec  *patchRec
	be   *fakeBackend
	ctrl *Controller
	done chan error
}

func startController(t *testing.T, page string, adapter *hosts.Adapter, pageURL string) *harness {
	t.Helper()
	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	reg, err := hosts.NewRegistry(adapter)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	bus := event.NewBus()
	be := newFakeBackend()
	rec := &patchRec{bus: bus}
	ctrl := New(doc, reg, be, rec.emit)

	h := &harness{t: t, doc: doc, bus: bus, rec: rec, be: be, ctrl: ctrl, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		bus.Close()
		cancel()
		<-h.done
	})
	go func() { h.done <- ctrl.Run(ctx, bus, pageURL) }()
	return h
}

func (h *harness) waitFor(cond func() bool, what string) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func blobFixture(lines []string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table class="code-table">`)
	for i, text := range lines {
		fmt.Fprintf(&b, `<tr data-line-number="%d"><td class="num"></td><td class="code">%s</td></tr>`, i+1, text)
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

func blobAdapter(info codeview.FileInfo) *hosts.Adapter {
	spec := &codeview.Spec{
		Accessor: testAccessor{},
		FileInfo: func(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
			cp := info
			if rev := root.AttrOr("data-rev", ""); rev != "" {
				cp.CommitID = ""
				cp.Revision = rev
			}
			return &cp, nil
		},
	}
	return &hosts.Adapter{
		Name:        "test",
		URLPatterns: []string{"test.example/**"},
		Check: func(doc *dom.Document) bool {
			return doc.Body() != nil && doc.Body().QuerySelector("table.code-table") != nil
		},
		Source: locator.Static(locator.SelectorSpec{Selector: "table.code-table", Spec: spec}),
		Selections: func(u *url.URL) []codeview.LineRange {
			if !strings.HasPrefix(u.Fragment, "L") {
				return nil
			}
			n, err := strconv.Atoi(u.Fragment[1:])
			if err != nil {
				return nil
			}
			return []codeview.LineRange{{Start: n - 1, End: n - 1}}
		},
	}
}

func TestBlobPageActivatesOneViewAndHovers(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = fmt.Sprintf("line%d := compute(%d)", i+1, i+1)
	}
	info := codeview.FileInfo{
		RepoName: "test.example/a/b", CommitID: "abc", FilePath: "main.go",
		Content: strings.Join(lines, "\n") + "\n",
	}
	h := startController(t, blobFixture(lines), blobAdapter(info), "https://test.example/a/b/main.go")
	h.be.mu.Lock()
	h.be.hover = &backend.Hover{Contents: "`line10` is an int"}
	h.be.mu.Unlock()

	h.waitFor(func() bool { return h.be.subscriptions() == 1 }, "view activation")
	if got := h.be.subscriptions(); got != 1 {
		t.Fatalf("%d views activated, want exactly 1", got)
	}

	// Hover over line 10 (zero-based 9), character 3.
	codeEl := h.doc.Body().QuerySelector(`tr[data-line-number="10"] td.code`)
	h.bus.Publish(event.MouseMove{NodeID: codeEl.ID(), Offset: 3})

	h.waitFor(func() bool { return h.rec.count(isHover) > 0 }, "hover patch")
	patch, _ := h.rec.last(isHover)
	hov := patch.(event.Hover)
	if hov.AnchorID != codeEl.ID() {
		t.Errorf("hover anchored to %d, want line 10 cell %d", hov.AnchorID, codeEl.ID())
	}
	if !strings.Contains(hov.HTML, "line10") {
		t.Errorf("hover HTML = %q", hov.HTML)
	}
}

func TestMutationDiscoversLateViews(t *testing.T) {
	lines := []string{"alpha := beta"}
	info := codeview.FileInfo{
		RepoName: "test.example/a/b", CommitID: "abc", FilePath: "f.go",
		Content: "alpha := beta\n",
	}
	h := startController(t, blobFixture(lines), blobAdapter(info), "https://test.example/a/b/f.go")
	h.waitFor(func() bool { return h.be.subscriptions() == 1 }, "initial view activation")

	// A lazily rendered second file arrives as a mutation record; the run
	// loop applies it to the mirror and rescans the added subtree.
	h.bus.Publish(event.Mutation{
		ParentID: h.doc.Body().ID(),
		HTML:     `<table class="code-table"><tr data-line-number="1"><td class="num"></td><td class="code">gamma := delta</td></tr></table>`,
	})
	h.waitFor(func() bool { return h.be.subscriptions() == 2 }, "late view activation")
}

const twoViewFixture = `<html><body>
<table class="code-table" data-rev="slow"><tr data-line-number="1"><td class="num"></td><td class="code">a := b</td></tr></table>
<table class="code-table"><tr data-line-number="1"><td class="num"></td><td class="code">c := d</td></tr></table>
</body></html>`

func TestSlowRevisionDoesNotStallOtherViews(t *testing.T) {
	info := codeview.FileInfo{
		RepoName: "test.example/a/b", CommitID: "abc", FilePath: "f.go",
		Content: "a := b\n",
	}
	h := startController(t, twoViewFixture, blobAdapter(info), "https://test.example/a/b/f.go")

	// While the first view's revision is stuck cloning, the second view
	// must flow through the pipeline to completion.
	h.waitFor(func() bool { return h.be.slowStarted() == 1 }, "slow resolution to begin")
	h.waitFor(func() bool { return h.be.subscriptions() == 1 }, "fast view activation")

	close(h.be.slowGate)
	h.waitFor(func() bool { return h.be.subscriptions() == 2 }, "slow view activation after release")
}

func TestUnloadNotDelayedByPendingActivation(t *testing.T) {
	info := codeview.FileInfo{
		RepoName: "test.example/a/b", CommitID: "abc", FilePath: "f.go",
		Content: "a := b\n",
	}
	fixture := `<html><body><table class="code-table" data-rev="slow"><tr data-line-number="1"><td class="num"></td><td class="code">a := b</td></tr></table></body></html>`
	h := startController(t, fixture, blobAdapter(info), "https://test.example/a/b/f.go")
	h.waitFor(func() bool { return h.be.slowStarted() == 1 }, "slow resolution to begin")

	h.bus.Publish(event.Unload{})
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run = %v after unload", err)
		}
		h.done <- nil // keep Cleanup's drain happy
	case <-time.After(2 * time.Second):
		t.Fatal("Run held up by a view's pending revision resolution")
	}
}

func diffAdapter(info codeview.FileInfo) *hosts.Adapter {
	spec := &codeview.Spec{
		Accessor: testDiffAccessor{},
		FileInfo: func(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
			cp := info
			return &cp, nil
		},
		IsDiff: true,
	}
	return &hosts.Adapter{
		Name:        "testdiff",
		URLPatterns: []string{"test.example/**"},
		Check: func(doc *dom.Document) bool {
			return doc.Body() != nil && doc.Body().QuerySelector("table.diff-table") != nil
		},
		Source: locator.Static(locator.SelectorSpec{Selector: "table.diff-table", Spec: spec}),
	}
}

const diffFixture = `<html><body><table class="diff-table">
<tr data-base-line="4" data-head-line="4"><td class="base-code">four</td><td class="head-code">four</td></tr>
<tr data-base-line="5" data-head-line="5"><td class="base-code">old five</td><td class="head-code">new five</td></tr>
<tr data-base-line="6" data-head-line="6"><td class="base-code">six</td><td class="head-code">six</td></tr>
</table></body></html>`

func TestDiffDecorationLandsHeadSideOnly(t *testing.T) {
	info := codeview.FileInfo{
		RepoName: "test.example/a/b", CommitID: "head", FilePath: "f.go",
		BaseRepoName: "test.example/a/b", BaseCommitID: "base", BaseFilePath: "f.go",
		Content: "one\ntwo\nthree\nfour\nnew five\nsix\n", BaseContent: "one\ntwo\nthree\nfour\nold five\nsix\n",
	}
	h := startController(t, diffFixture, diffAdapter(info), "https://test.example/a/b/pull/1")
	h.waitFor(func() bool { return h.be.subscriptions() == 1 }, "view activation")

	// Decorate zero-based line 4 (the file's line 5).
	feed := h.be.feed(info.URI())
	if feed == nil {
		t.Fatal("no decoration feed for the head document")
	}
	feed <- []codeview.Decoration{{
		Range: codeview.DecorationRange{
			Start: codeview.DecorationPosition{Line: 4},
			End:   codeview.DecorationPosition{Line: 4},
		},
		After: &codeview.DecorationAttachment{ContentText: "3 references"},
	}}

	h.waitFor(func() bool { return h.rec.count(isReplace) > 0 }, "decoration replace patch")

	attachments := findByClass(h.doc.Body(), decorations.AttachmentClass)
	if len(attachments) != 1 {
		t.Fatalf("%d attachments in document, want exactly 1", len(attachments))
	}
	if attachments[0].Closest("td.head-code") == nil {
		t.Error("attachment not inside the head-side cell")
	}
	if attachments[0].Closest("td.base-code") != nil {
		t.Error("attachment leaked into the base-side cell")
	}
}

func TestEmptyDecorationReemitRemovesEverything(t *testing.T) {
	lines := []string{"a", "b", "c", "d", "e"}
	info := codeview.FileInfo{
		RepoName: "test.example/a/b", CommitID: "abc", FilePath: "f.go",
		Content: strings.Join(lines, "\n") + "\n",
	}
	h := startController(t, blobFixture(lines), blobAdapter(info), "https://test.example/a/b/f.go")
	h.waitFor(func() bool { return h.be.subscriptions() == 1 }, "view activation")

	feed := h.be.feed(info.URI())
	feed <- []codeview.Decoration{
		{Range: codeview.DecorationRange{Start: codeview.DecorationPosition{Line: 1}, End: codeview.DecorationPosition{Line: 1}}, BackgroundColor: "red", After: &codeview.DecorationAttachment{ContentText: "x"}},
		{Range: codeview.DecorationRange{Start: codeview.DecorationPosition{Line: 3}, End: codeview.DecorationPosition{Line: 3}}, After: &codeview.DecorationAttachment{ContentText: "y"}},
	}
	h.waitFor(func() bool { return h.rec.count(isReplace) >= 1 }, "first decoration pass")

	feed <- nil
	h.waitFor(func() bool { return h.rec.count(isReplace) >= 2 }, "empty re-emit pass")

	if got := findByClass(h.doc.Body(), decorations.AttachmentClass); len(got) != 0 {
		t.Errorf("%d attachments remain after empty re-emit", len(got))
	}
	for line := 0; line < len(lines); line++ {
		el := h.doc.Body().QuerySelector(fmt.Sprintf(`tr[data-line-number="%d"] td.code`, line+1))
		if bg := el.StyleProp("background-color"); bg != "" {
			t.Errorf("line %d keeps background %q after empty re-emit", line, bg)
		}
	}
}

func TestSelectionFollowsURLChanges(t *testing.T) {
	lines := []string{"a", "b", "c"}
	info := codeview.FileInfo{
		RepoName: "test.example/a/b", CommitID: "abc", FilePath: "f.go",
		Content: "a\nb\nc\n",
	}
	h := startController(t, blobFixture(lines), blobAdapter(info), "https://test.example/a/b/f.go#L2")
	h.waitFor(func() bool { return h.rec.count(isReplace) >= 1 }, "initial selection")

	line2 := h.doc.Body().QuerySelector(`tr[data-line-number="2"] td.code`)
	if !line2.HasClass(SelectedClass) {
		t.Fatal("line 2 not selected from the initial URL")
	}

	h.bus.Publish(event.URLChange{URL: "https://test.example/a/b/f.go#L3"})
	h.waitFor(func() bool { return h.rec.count(isReplace) >= 2 }, "selection update")

	if line2.HasClass(SelectedClass) {
		t.Error("line 2 still selected after navigation")
	}
	line3 := h.doc.Body().QuerySelector(`tr[data-line-number="3"] td.code`)
	if !line3.HasClass(SelectedClass) {
		t.Error("line 3 not selected after navigation")
	}
}

func TestClickJumpsToDefinition(t *testing.T) {
	lines := []string{"target := source"}
	info := codeview.FileInfo{
		RepoName: "test.example/a/b", CommitID: "abc", FilePath: "f.go",
		Content: "target := source\n",
	}
	h := startController(t, blobFixture(lines), blobAdapter(info), "https://test.example/a/b/f.go")
	h.be.mu.Lock()
	h.be.location = &backend.Location{
		RepoName: "test.example/a/b", CommitID: "abc", FilePath: "lib/defs.go", Line: 14,
	}
	h.be.mu.Unlock()
	h.waitFor(func() bool { return h.be.subscriptions() == 1 }, "view activation")

	codeEl := h.doc.Body().QuerySelector(`tr[data-line-number="1"] td.code`)
	h.bus.Publish(event.Click{NodeID: codeEl.ID(), Offset: 0})

	h.waitFor(func() bool {
		_, ok := h.rec.last(func(p event.Patch) bool { _, nav := p.(event.Navigate); return nav })
		return ok
	}, "navigate patch")
	patch, _ := h.rec.last(func(p event.Patch) bool { _, nav := p.(event.Navigate); return nav })
	nav := patch.(event.Navigate)
	want := "https://test.example/a/b/blob/abc/lib/defs.go#L15"
	if nav.URL != want {
		t.Errorf("navigate URL = %q, want %q", nav.URL, want)
	}
}

func TestRunReturnsCleanlyWhenNoAdapterClaimsPage(t *testing.T) {
	doc, err := dom.ParseString(`<html><body><p>nothing here</p></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := hosts.NewRegistry(blobAdapter(codeview.FileInfo{}))
	if err != nil {
		t.Fatal(err)
	}
	ctrl := New(doc, reg, newFakeBackend(), func(event.Patch) {})
	if err := ctrl.Run(context.Background(), event.NewBus(), "https://test.example/x"); err != nil {
		t.Errorf("Run = %v, want nil for unclaimed page", err)
	}
}

func TestUnloadEndsRun(t *testing.T) {
	lines := []string{"a"}
	info := codeview.FileInfo{RepoName: "test.example/a/b", CommitID: "abc", FilePath: "f.go", Content: "a\n"}
	h := startController(t, blobFixture(lines), blobAdapter(info), "https://test.example/a/b/f.go")
	h.waitFor(func() bool { return h.be.subscriptions() == 1 }, "view activation")

	h.bus.Publish(event.Unload{})
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run = %v after unload", err)
		}
		h.done <- nil // keep Cleanup's drain happy
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after unload")
	}
}

func TestDefinitionURL(t *testing.T) {
	got := definitionURL(&backend.Location{
		RepoName: "github.com/acme/widgets", CommitID: "deadbeef", FilePath: "pkg/x.go", Line: 0,
	})
	if got != "https://github.com/acme/widgets/blob/deadbeef/pkg/x.go#L1" {
		t.Errorf("definitionURL = %q", got)
	}
}

// findByClass walks the tree including injected nodes.
func findByClass(n *dom.Node, class string) []*dom.Node {
	var out []*dom.Node
	if n.HasClass(class) {
		out = append(out, n)
	}
	for _, c := range n.Children() {
		out = append(out, findByClass(c, class)...)
	}
	return out
}
