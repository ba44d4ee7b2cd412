// Package hosts carries the per-code-host knowledge: which pages to run on,
// how to recognize code views in each host's DOM, how to map between DOM
// nodes and file coordinates, and how to work out what file or diff a view
// renders. Everything host-specific lives here; the pipeline packages only
// see the contracts from internal/codeview.
package hosts

import (
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/locator"
)

// Adapter is one code host's integration. URLPatterns are doublestar
// patterns matched against "host/path" of the page URL; Check confirms
// against the live DOM, since URL patterns alone misfire on self-hosted
// instances running on arbitrary domains.
type Adapter struct {
	Name        string
	URLPatterns []string
	Check       func(doc *dom.Document) bool
	Source      locator.Source

	// OverlayMount returns (creating on first call) the page-level element
	// global overlay UI hangs off. Idempotent.
	OverlayMount func(doc *dom.Document) *dom.Node

	// Selections parses the host's line-selection URL fragment. Nil means
	// the host has no linkable line selections.
	Selections func(u *url.URL) []codeview.LineRange
}

// MatchesURL reports whether the page URL falls under one of the adapter's
// patterns.
func (a *Adapter) MatchesURL(u *url.URL) bool {
	subject := u.Host + u.Path
	for _, pat := range a.URLPatterns {
		if ok, err := doublestar.Match(pat, subject); err == nil && ok {
			return true
		}
	}
	return false
}

// Registry holds the known adapters in registration order.
type Registry struct {
	adapters []*Adapter
}

// NewRegistry validates and collects adapters. Patterns must compile and
// every adapter needs a code view source; both are programmer errors worth
// failing fast on.
func NewRegistry(adapters ...*Adapter) (*Registry, error) {
	for _, a := range adapters {
		if a.Name == "" {
			return nil, fmt.Errorf("hosts: adapter without a name")
		}
		if len(a.URLPatterns) == 0 {
			return nil, fmt.Errorf("hosts: adapter %s has no URL patterns", a.Name)
		}
		for _, pat := range a.URLPatterns {
			if !doublestar.ValidatePattern(pat) {
				return nil, fmt.Errorf("hosts: adapter %s: bad URL pattern %q", a.Name, pat)
			}
		}
		if a.Source.IsZero() {
			return nil, fmt.Errorf("hosts: adapter %s has no code view source", a.Name)
		}
		if a.Check == nil {
			return nil, fmt.Errorf("hosts: adapter %s has no check", a.Name)
		}
	}
	return &Registry{adapters: adapters}, nil
}

// Default returns the registry of built-in adapters. callsigns maps
// Phabricator repository callsigns to repo names and may be nil.
func Default(callsigns map[string]string) (*Registry, error) {
	return NewRegistry(
		GitHub(),
		GitLab(),
		BitbucketServer(),
		Phabricator(callsigns),
	)
}

// Select picks the adapter for a page: URL candidates narrowed by Check
// against the DOM. When several adapters claim the same page the first
// registered wins and the overlap is logged, so a misconfigured self-hosted
// pattern shows up in the logs instead of silently shadowing.
func (r *Registry) Select(doc *dom.Document, pageURL string) *Adapter {
	u, err := url.Parse(pageURL)
	if err != nil {
		log.Printf("hosts: unparseable page URL %q: %v", pageURL, err)
		return nil
	}
	var passed []*Adapter
	for _, a := range r.adapters {
		if a.MatchesURL(u) && a.Check(doc) {
			passed = append(passed, a)
		}
	}
	if len(passed) == 0 {
		return nil
	}
	if len(passed) > 1 {
		names := make([]string, len(passed))
		for i, a := range passed {
			names[i] = a.Name
		}
		log.Printf("hosts: adapters %s all claim %s; using %s", strings.Join(names, ", "), u.Host, passed[0].Name)
	}
	return passed[0]
}

// Adapters returns the registered adapters in order.
func (r *Registry) Adapters() []*Adapter { return r.adapters }

// overlayMountBySelector builds the usual OverlayMount: an injected div
// appended under the first match of selector (or body), reused on repeat
// calls via its id attribute. Selector queries skip injected nodes, so the
// reuse lookup walks the tree directly.
func overlayMountBySelector(id, selector string) func(doc *dom.Document) *dom.Node {
	return func(doc *dom.Document) *dom.Node {
		body := doc.Body()
		if body == nil {
			return nil
		}
		if existing := findByElementID(body, id); existing != nil {
			return existing
		}
		parent := body
		if selector != "" {
			if m := body.QuerySelector(selector); m != nil {
				parent = m
			}
		}
		mount := doc.CreateElement("div")
		mount.SetAttr("id", id)
		parent.AppendChild(mount)
		return mount
	}
}

// pageURL reads the page URL the shim stamps onto the body; the mirror has
// no location of its own. Hosts that derive identity from URL structure
// (Bitbucket Server, Phabricator) need it inside their resolvers.
func pageURL(doc *dom.Document) (*url.URL, error) {
	body := doc.Body()
	if body == nil {
		return nil, fmt.Errorf("hosts: no document body")
	}
	raw := body.AttrOr("data-sightline-url", "")
	if raw == "" {
		return nil, fmt.Errorf("hosts: body carries no page URL annotation")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("hosts: bad page URL annotation %q: %w", raw, err)
	}
	return u, nil
}

// findByElementID locates an element by id attribute, injected nodes
// included.
func findByElementID(n *dom.Node, id string) *dom.Node {
	if n.AttrOr("id", "") == id {
		return n
	}
	for _, c := range n.Children() {
		if found := findByElementID(c, id); found != nil {
			return found
		}
	}
	return nil
}
