package hosts

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/locator"
)

// BitbucketServer returns the adapter for self-hosted Bitbucket Server
// instances. There is no fixed domain, so the URL pattern keys off the
// /projects/KEY/repos/slug path shape and Check confirms against the AUI
// chrome.
func BitbucketServer() *Adapter {
	return &Adapter{
		Name:        "bitbucket-server",
		URLPatterns: []string{"**/projects/*/repos/*/**"},
		Check: func(doc *dom.Document) bool {
			body := doc.Body()
			return body != nil && (body.QuerySelector(".aui-header") != nil ||
				body.QuerySelector("#content[data-repository-slug]") != nil)
		},
		Source: locator.Resolve(
			"table.source-view, div.diff-container",
			resolveBitbucketView,
		),
		OverlayMount: overlayMountBySelector("sightline-bitbucket-overlay", "#content"),
		Selections:   bitbucketSelections,
	}
}

func resolveBitbucketView(root *dom.Node) (*codeview.Spec, error) {
	switch {
	case root.Matches("table.source-view"):
		return &codeview.Spec{
			Accessor:     bitbucketBlobAccessor{},
			FileInfo:     bitbucketBlobFileInfo,
			ToolbarMount: bitbucketToolbarMount,
		}, nil
	case root.Matches("div.diff-container"):
		if root.QuerySelector("td.line-content") == nil {
			return nil, nil // binary or collapsed diff
		}
		return &codeview.Spec{
			Accessor:     bitbucketDiffAccessor{},
			FileInfo:     bitbucketDiffFileInfo,
			ToolbarMount: bitbucketToolbarMount,
			IsDiff:       true,
		}, nil
	}
	return nil, nil
}

// --- blob view ---

// bitbucketBlobAccessor reads source views: one tr per line, number in
// td.line-number[data-line-number], code in td.line-content.
type bitbucketBlobAccessor struct{}

func (bitbucketBlobAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.line-content")
	if el == nil || !view.Contains(el) {
		return nil
	}
	return el
}

func (bitbucketBlobAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	want := strconv.Itoa(line + 1)
	for _, row := range view.QuerySelectorAll("tr") {
		num := row.QuerySelector("td.line-number")
		if num != nil && num.AttrOr("data-line-number", "") == want {
			return row.QuerySelector("td.line-content")
		}
	}
	return nil
}

func (bitbucketBlobAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	row := el.Closest("tr")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	num := row.QuerySelector("td.line-number")
	if num == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	n, err := strconv.Atoi(num.AttrOr("data-line-number", ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, "", nil
}

// bitbucketBlobFileInfo parses the browse URL:
// /projects/KEY/repos/slug/browse/path/to/file?at=rev. A missing at
// parameter means the default branch.
func bitbucketBlobFileInfo(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
	u, err := pageURL(doc)
	if err != nil {
		return nil, err
	}
	project, slug, rest, ok := splitBitbucketPath(u.Path)
	if !ok || !strings.HasPrefix(rest, "browse/") {
		return nil, fmt.Errorf("hosts: bitbucket: not a browse URL: %s", u.Path)
	}
	fi := &codeview.FileInfo{
		RepoName: u.Host + "/" + project + "/" + slug,
		FilePath: strings.TrimPrefix(rest, "browse/"),
	}
	rev := u.Query().Get("at")
	if rev == "" {
		rev = "HEAD"
	}
	if isCommitSHA(rev) {
		fi.CommitID = rev
	} else {
		fi.Revision = rev
	}
	return fi, fi.Validate()
}

// --- diff view ---

// bitbucketDiffAccessor reads unified diff containers: rows carry a base
// number cell (td.line-number-from), a head number cell
// (td.line-number-to) and a td.line-content classed added or removed.
type bitbucketDiffAccessor struct{}

func (bitbucketDiffAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.line-content")
	if el == nil || el.HasClass("segment-expander") || !view.Contains(el) {
		return nil
	}
	return el
}

func (bitbucketDiffAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	want := strconv.Itoa(line + 1)
	numSel := "td.line-number-to"
	if part == codeview.PartBase {
		numSel = "td.line-number-from"
	}
	for _, row := range view.QuerySelectorAll("tr") {
		num := row.QuerySelector(numSel)
		if num == nil || num.AttrOr("data-line-number", "") != want {
			continue
		}
		content := row.QuerySelector("td.line-content")
		if content == nil {
			continue
		}
		if part == codeview.PartBase && content.HasClass("added") {
			continue
		}
		if part != codeview.PartBase && content.HasClass("removed") {
			continue
		}
		return content
	}
	return nil
}

func (bitbucketDiffAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	if !el.Matches("td.line-content") {
		return 0, "", codeview.ErrNotCodeElement
	}
	row := el.Closest("tr")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	numSel, part := "td.line-number-to", codeview.PartHead
	if el.HasClass("removed") {
		numSel, part = "td.line-number-from", codeview.PartBase
	}
	num := row.QuerySelector(numSel)
	if num == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	n, err := strconv.Atoi(num.AttrOr("data-line-number", ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, part, nil
}

// bitbucketDiffFileInfo resolves one file of a commit or pull request
// diff. The path sits on the diff container; the revision pair comes off
// #content, which Bitbucket Server annotates with the from/until hashes.
func bitbucketDiffFileInfo(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
	u, err := pageURL(doc)
	if err != nil {
		return nil, err
	}
	project, slug, _, ok := splitBitbucketPath(u.Path)
	if !ok {
		return nil, fmt.Errorf("hosts: bitbucket: not a repository URL: %s", u.Path)
	}
	path := root.AttrOr("data-path", "")
	if path == "" {
		return nil, fmt.Errorf("hosts: bitbucket: diff container without data-path")
	}

	body := doc.Body()
	content := body.QuerySelector("#content")
	if content == nil {
		return nil, fmt.Errorf("hosts: bitbucket: no #content element")
	}
	from := content.AttrOr("data-from-hash", "")
	until := content.AttrOr("data-until-hash", "")
	if from == "" || until == "" {
		return nil, fmt.Errorf("hosts: bitbucket: #content missing from/until hashes")
	}

	repo := u.Host + "/" + project + "/" + slug
	fi := &codeview.FileInfo{
		RepoName:     repo,
		FilePath:     path,
		CommitID:     until,
		BaseRepoName: repo,
		BaseFilePath: root.AttrOr("data-src-path", path),
		BaseCommitID: from,
	}
	return fi, fi.Validate()
}

// --- shared pieces ---

func bitbucketToolbarMount(doc *dom.Document, root *dom.Node) *dom.Node {
	parent := root
	if container := root.Closest(".file-content, .diff-container"); container != nil {
		if toolbar := container.QuerySelector(".file-toolbar"); toolbar != nil {
			parent = toolbar
		}
	}
	for _, c := range parent.Children() {
		if c.HasClass("sightline-toolbar") {
			return c
		}
	}
	mount := doc.CreateElement("span")
	mount.AddClass("sightline-toolbar")
	parent.AppendChild(mount)
	return mount
}

// bitbucketSelections parses #42 fragments, Bitbucket Server's plain line
// anchors.
func bitbucketSelections(u *url.URL) []codeview.LineRange {
	n, err := strconv.Atoi(u.Fragment)
	if err != nil || n < 1 {
		return nil
	}
	return []codeview.LineRange{{Start: n - 1, End: n - 1}}
}

// splitBitbucketPath splits /projects/KEY/repos/slug/rest into its parts.
func splitBitbucketPath(path string) (project, slug, rest string, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 5)
	if len(parts) < 4 || parts[0] != "projects" || parts[2] != "repos" {
		return "", "", "", false
	}
	if len(parts) == 5 {
		rest = parts[4]
	}
	return parts[1], parts[3], rest, true
}
