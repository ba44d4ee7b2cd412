package overlay

import (
	"sort"
	"sync"

	"github.com/sightline-dev/sightline/internal/dom"
)

// documents tracks which document URIs are visible on the page: every
// activated code view registers the URIs it renders against its root
// element. Entries are evicted once no connected root references the URI,
// so long sessions on client-side-routed hosts do not accumulate documents
// the user navigated away from.
//
// Writes come from the controller loop; the lock exists because Visible is
// polled from outside it (the scan CLI's settle check).
type documents struct {
	mu    sync.Mutex
	byURI map[string]map[int]*dom.Node // uri -> root node id -> root
}

func newDocuments() *documents {
	return &documents{byURI: make(map[string]map[int]*dom.Node)}
}

// Add registers a URI rendered by the code view rooted at root.
func (d *documents) Add(uri string, root *dom.Node) {
	if uri == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	roots := d.byURI[uri]
	if roots == nil {
		roots = make(map[int]*dom.Node)
		d.byURI[uri] = roots
	}
	roots[root.ID()] = root
}

// Visible returns the currently referenced URIs in stable order.
func (d *documents) Visible() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.byURI))
	for uri := range d.byURI {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// Reap drops roots that left the document, and URIs that lost their last
// root. The controller calls it on mutation ticks.
func (d *documents) Reap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for uri, roots := range d.byURI {
		for id, root := range roots {
			if !root.IsConnected() {
				delete(roots, id)
			}
		}
		if len(roots) == 0 {
			delete(d.byURI, uri)
		}
	}
}
