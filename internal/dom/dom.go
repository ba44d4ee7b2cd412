// Package dom maintains a server-side mirror of a host page's DOM. The
// mirror is built from serialized HTML sent by the in-page shim and kept in
// sync by applying mutation records. All queries the overlay pipeline runs
// (CSS selectors, line lookups, liveness checks) execute against this mirror.
package dom

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// InjectedClass marks every element the engine creates. Scans and target
// resolution exclude nodes carrying it so the engine never matches its own
// UI as a code view or a code element.
const InjectedClass = "sightline-injected"

// selectorCache holds compiled cascadia selectors, shared across documents.
var selectorCache = struct {
	sync.Mutex
	m map[string]cascadia.Selector
}{m: make(map[string]cascadia.Selector)}

func compileSelector(expr string) (cascadia.Selector, error) {
	selectorCache.Lock()
	defer selectorCache.Unlock()
	if sel, ok := selectorCache.m[expr]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("dom: compile selector %q: %w", expr, err)
	}
	selectorCache.m[expr] = sel
	return sel, nil
}

// Document is a mirrored page. Node identity is stable for the lifetime of
// the document: every element receives a numeric ID on first sight, and wire
// messages refer to nodes by that ID.
//
// Structural mutation is not internally synchronized; the owning controller
// serializes all tree changes through its run loop. The ID table has its own
// lock because read-only lookups may happen from other goroutines.
type Document struct {
	root *html.Node

	mu     sync.Mutex
	byID   map[int]*html.Node
	ids    map[*html.Node]int
	nextID int
}

// Parse builds a Document from a full HTML page.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	d := &Document{
		root: root,
		byID: make(map[int]*html.Node),
		ids:  make(map[*html.Node]int),
	}
	d.assign(root)
	return d, nil
}

// ParseString is Parse over a string, convenient in tests.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// assign walks the subtree and gives every element node an ID.
func (d *Document) assign(n *html.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignLocked(n)
}

func (d *Document) assignLocked(n *html.Node) {
	if n.Type == html.ElementNode {
		if _, ok := d.ids[n]; !ok {
			d.nextID++
			d.ids[n] = d.nextID
			d.byID[d.nextID] = n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.assignLocked(c)
	}
}

// NodeByID returns the node with the given ID, or nil.
func (d *Document) NodeByID(id int) *Node {
	d.mu.Lock()
	n, ok := d.byID[id]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return &Node{n: n, doc: d}
}

// Body returns the document's body element, or the root when the page has
// no body (fragment documents).
func (d *Document) Body() *Node {
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if body != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "body" {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	if body == nil {
		return &Node{n: d.root, doc: d}
	}
	return &Node{n: body, doc: d}
}

// CreateElement returns a detached element tagged with the injected marker
// class. Everything the engine adds to the mirror goes through here.
func (d *Document) CreateElement(tag string) *Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: 0}
	node := &Node{n: n, doc: d}
	node.AddClass(InjectedClass)
	d.assign(n)
	return node
}

// ApplyMutation parses an HTML fragment in the context of the parent element
// and appends the resulting nodes, assigning IDs as it goes. It is the
// mirror-side image of a childList mutation record and returns the added
// top-level elements.
func (d *Document) ApplyMutation(parentID int, fragment string) ([]*Node, error) {
	parent := d.NodeByID(parentID)
	if parent == nil {
		return nil, fmt.Errorf("dom: mutation parent %d not found", parentID)
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent.n)
	if err != nil {
		return nil, fmt.Errorf("dom: parse mutation fragment: %w", err)
	}
	var added []*Node
	for _, n := range nodes {
		parent.n.AppendChild(n)
		d.assign(n)
		if n.Type == html.ElementNode {
			added = append(added, &Node{n: n, doc: d})
		}
	}
	return added, nil
}

// Node is an element (or text) node bound to its owning Document.
type Node struct {
	n   *html.Node
	doc *Document
}

// ID returns the node's stable identity, or 0 for non-element nodes.
func (n *Node) ID() int {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return n.doc.ids[n.n]
}

// Tag returns the element's tag name.
func (n *Node) Tag() string { return n.n.Data }

// Document returns the owning document.
func (n *Node) Document() *Document { return n.doc }

// Same reports whether two Node handles refer to the same underlying node.
func (n *Node) Same(other *Node) bool {
	return other != nil && n.n == other.n
}

// QuerySelectorAll returns all elements under n (excluding n itself) that
// match the selector, skipping subtrees tagged with the injected marker.
func (n *Node) QuerySelectorAll(expr string) []*Node {
	sel, err := compileSelector(expr)
	if err != nil {
		return nil
	}
	var out []*Node
	for _, m := range sel.MatchAll(n.n) {
		node := &Node{n: m, doc: n.doc}
		if node.IsInjected() {
			continue
		}
		out = append(out, node)
	}
	return out
}

// QuerySelector returns the first match of QuerySelectorAll, or nil.
func (n *Node) QuerySelector(expr string) *Node {
	matches := n.QuerySelectorAll(expr)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// Matches reports whether the node itself matches the selector.
func (n *Node) Matches(expr string) bool {
	sel, err := compileSelector(expr)
	if err != nil {
		return false
	}
	return sel.Match(n.n)
}

// Closest walks from n up to the document root and returns the first
// element (including n) matching the selector, or nil.
func (n *Node) Closest(expr string) *Node {
	for cur := n.n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		c := &Node{n: cur, doc: n.doc}
		if c.Matches(expr) {
			return c
		}
	}
	return nil
}

// Parent returns the parent element, or nil.
func (n *Node) Parent() *Node {
	for cur := n.n.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode {
			return &Node{n: cur, doc: n.doc}
		}
	}
	return nil
}

// Children returns the node's direct element children, including injected
// ones.
func (n *Node) Children() []*Node {
	var out []*Node
	for c := n.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, &Node{n: c, doc: n.doc})
		}
	}
	return out
}

// Contains reports whether other is n or a descendant of n.
func (n *Node) Contains(other *Node) bool {
	if other == nil {
		return false
	}
	for cur := other.n; cur != nil; cur = cur.Parent {
		if cur == n.n {
			return true
		}
	}
	return false
}

// IsConnected reports whether the node is still reachable from the document
// root. This is the liveness check gating every emission consumer: hosts
// remove code views without any teardown signal, so consumers must tolerate
// roots that have vanished.
func (n *Node) IsConnected() bool {
	for cur := n.n; cur != nil; cur = cur.Parent {
		if cur == n.doc.root {
			return true
		}
	}
	return false
}

// IsInjected reports whether the node or any ancestor carries the engine's
// injected marker class.
func (n *Node) IsInjected() bool {
	for cur := n.n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if hasClass(cur, InjectedClass) {
			return true
		}
	}
	return false
}

// AppendChild attaches child as the last child of n.
func (n *Node) AppendChild(child *Node) {
	if child.n.Parent != nil {
		child.n.Parent.RemoveChild(child.n)
	}
	n.n.AppendChild(child.n)
}

// Detach removes the node from its parent. The node keeps its ID.
func (n *Node) Detach() {
	if n.n.Parent != nil {
		n.n.Parent.RemoveChild(n.n)
	}
}

// SetText replaces the node's children with a single text node.
func (n *Node) SetText(text string) {
	for c := n.n.FirstChild; c != nil; {
		next := c.NextSibling
		n.n.RemoveChild(c)
		c = next
	}
	n.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// TextContent returns the concatenated text of the subtree, including any
// injected nodes. Use CodeText for position math.
func (n *Node) TextContent() string {
	var b strings.Builder
	collectText(n.n, &b, false)
	return b.String()
}

// CodeText returns the subtree's text with injected subtrees excluded. Line
// content read through this never includes decoration attachments, keeping
// character offsets faithful to the host's own rendering.
func (n *Node) CodeText() string {
	var b strings.Builder
	collectText(n.n, &b, true)
	return b.String()
}

func collectText(n *html.Node, b *strings.Builder, skipInjected bool) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	if skipInjected && n.Type == html.ElementNode && hasClass(n, InjectedClass) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b, skipInjected)
	}
}

// OuterHTML serializes the node, used when streaming replace-node patches
// back to the shim.
func (n *Node) OuterHTML() (string, error) {
	var b strings.Builder
	if err := html.Render(&b, n.n); err != nil {
		return "", fmt.Errorf("dom: render: %w", err)
	}
	return b.String(), nil
}
