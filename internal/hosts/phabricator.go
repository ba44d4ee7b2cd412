package hosts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/fileinfo"
	"github.com/sightline-dev/sightline/internal/locator"
)

// Phabricator returns the adapter for Phabricator differential pages.
// callsigns maps repository callsigns (the CALL in rCALLabc123) to repo
// names; an unmapped callsign falls back to host/callsign lowercased.
func Phabricator(callsigns map[string]string) *Adapter {
	return &Adapter{
		Name:        "phabricator",
		URLPatterns: []string{"**/D[0-9]*", "**/differential/**", "phabricator.*/**"},
		Check: func(doc *dom.Document) bool {
			body := doc.Body()
			return body != nil && body.QuerySelector(".phabricator-main-menu") != nil
		},
		Source: locator.Resolve(
			"div.differential-changeset",
			resolvePhabricatorChangeset(callsigns),
		),
		OverlayMount: overlayMountBySelector("sightline-phabricator-overlay", ".phabricator-standard-page"),
	}
}

// resolvePhabricatorChangeset admits changesets that render a differential
// table; generated and binary changesets have none.
func resolvePhabricatorChangeset(callsigns map[string]string) func(*dom.Node) (*codeview.Spec, error) {
	return func(root *dom.Node) (*codeview.Spec, error) {
		if root.QuerySelector("table.differential-diff") == nil {
			return nil, nil
		}
		return &codeview.Spec{
			Accessor:     phabricatorDiffAccessor{},
			FileInfo:     phabricatorFileInfo(callsigns),
			ToolbarMount: phabricatorToolbarMount,
			IsDiff:       true,
		}, nil
	}
}

// phabricatorDiffAccessor reads differential tables: each tr carries two
// th number cells (base then head, 1-indexed via data-n) and td content
// cells classed old or new. Context rows render one td covering both
// sides.
type phabricatorDiffAccessor struct{}

func (phabricatorDiffAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td")
	if el == nil || el.HasClass("show-more") || el.HasClass("copy") || !view.Contains(el) {
		return nil
	}
	if el.Closest("table.differential-diff") == nil {
		return nil
	}
	return el
}

func (phabricatorDiffAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	want := strconv.Itoa(line + 1)
	idx := 1 // head side
	if part == codeview.PartBase {
		idx = 0
	}
	for _, row := range view.QuerySelectorAll("table.differential-diff tr") {
		ths := row.QuerySelectorAll("th")
		if len(ths) < 2 || ths[idx].AttrOr("data-n", "") != want {
			continue
		}
		for _, td := range row.QuerySelectorAll("td") {
			if td.HasClass("copy") || td.HasClass("show-more") {
				continue
			}
			if part == codeview.PartBase && td.HasClass("new") {
				continue
			}
			if part != codeview.PartBase && td.HasClass("old") {
				continue
			}
			return td
		}
	}
	return nil
}

func (phabricatorDiffAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	if el.Tag() != "td" || el.HasClass("show-more") || el.HasClass("copy") {
		return 0, "", codeview.ErrNotCodeElement
	}
	row := el.Closest("tr")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	ths := row.QuerySelectorAll("th")
	if len(ths) < 2 {
		return 0, "", codeview.ErrNotCodeElement
	}
	th, part := ths[1], codeview.PartHead
	if el.HasClass("old") {
		th, part = ths[0], codeview.PartBase
	}
	n, err := strconv.Atoi(th.AttrOr("data-n", ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, part, nil
}

// phabricatorFileInfo builds the resolver for one callsign mapping. The
// changeset header names the file; the repository callsign comes from the
// revision's diffusion crumb; the resolved commit pair is stamped onto the
// changeset by the shim (the page itself only knows diff IDs). Base-side
// content is replayed from the inlined raw patch.
func phabricatorFileInfo(callsigns map[string]string) codeview.FileInfoResolver {
	return func(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
		header := root.QuerySelector("h1.differential-file-icon-header")
		if header == nil {
			return nil, fmt.Errorf("hosts: phabricator: changeset without file header")
		}
		path := strings.TrimSpace(header.TextContent())
		if path == "" {
			return nil, fmt.Errorf("hosts: phabricator: empty changeset header")
		}

		repo, err := phabricatorRepoName(doc, callsigns)
		if err != nil {
			return nil, err
		}
		headCommit := root.AttrOr("data-new-commit", "")
		baseCommit := root.AttrOr("data-old-commit", "")
		if headCommit == "" || baseCommit == "" {
			return nil, fmt.Errorf("hosts: phabricator: changeset %s missing commit annotations", path)
		}

		fi := &codeview.FileInfo{
			RepoName:     repo,
			FilePath:     path,
			CommitID:     headCommit,
			BaseRepoName: repo,
			BaseFilePath: path,
			BaseCommitID: baseCommit,
		}
		if raw := embeddedRawDiff(doc); raw != "" {
			if ident, err := fileinfo.ParseDiffIdentity(raw, path); err == nil {
				fi.BaseFilePath = ident.OldPath
			}
			if lines, err := fileinfo.BaseLinesFromDiff(raw, path); err == nil && len(lines) > 0 {
				fi.BaseContent = fileinfo.Reconstruct(lines)
			}
		}
		return fi, fi.Validate()
	}
}

// phabricatorRepoName resolves the repository a revision belongs to from
// its diffusion crumb link (/diffusion/CALL/...).
func phabricatorRepoName(doc *dom.Document, callsigns map[string]string) (string, error) {
	body := doc.Body()
	if body == nil {
		return "", fmt.Errorf("hosts: phabricator: no document body")
	}
	link := body.QuerySelector(`a[href^="/diffusion/"]`)
	if link == nil {
		return "", fmt.Errorf("hosts: phabricator: no diffusion crumb to name the repository")
	}
	parts := strings.Split(strings.TrimPrefix(link.AttrOr("href", ""), "/diffusion/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("hosts: phabricator: unparseable diffusion link %q", link.AttrOr("href", ""))
	}
	callsign := parts[0]
	if repo, ok := callsigns[callsign]; ok {
		return repo, nil
	}
	u, err := pageURL(doc)
	if err != nil {
		return "", fmt.Errorf("hosts: phabricator: callsign %s unmapped and %w", callsign, err)
	}
	return u.Host + "/" + strings.ToLower(callsign), nil
}

func phabricatorToolbarMount(doc *dom.Document, root *dom.Node) *dom.Node {
	parent := root
	if header := root.QuerySelector(".differential-changeset-buttons"); header != nil {
		parent = header
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
