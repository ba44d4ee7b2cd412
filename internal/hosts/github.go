package hosts

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/locator"
)

// GitHub returns the adapter for github.com and GitHub Enterprise pages.
// One resolver covers all four view shapes; the element itself tells us
// which shape it is.
func GitHub() *Adapter {
	return &Adapter{
		Name:        "github",
		URLPatterns: []string{"github.com/**", "*.github.com/**"},
		Check: func(doc *dom.Document) bool {
			body := doc.Body()
			return body != nil && (body.QuerySelector(".application-main") != nil ||
				body.QuerySelector("#js-repo-pjax-container") != nil)
		},
		Source: locator.Resolve(
			"table.js-file-line-container, div.file.js-file, div.code-list-item",
			resolveGitHubView,
		),
		OverlayMount: overlayMountBySelector("sightline-github-overlay", ".application-main"),
		Selections:   gitHubSelections,
	}
}

// resolveGitHubView classifies a candidate element into one of the GitHub
// code view shapes, or rejects it (rendered notebooks, rich diffs, image
// diffs all match the container selectors without carrying code).
func resolveGitHubView(root *dom.Node) (*codeview.Spec, error) {
	switch {
	case root.Matches("table.js-file-line-container"):
		return &codeview.Spec{
			Accessor:     gitHubBlobAccessor{},
			FileInfo:     gitHubBlobFileInfo,
			Adjuster:     gitHubTabAdjuster,
			ToolbarMount: gitHubToolbarMount,
		}, nil

	case root.Matches("div.file"):
		table := root.QuerySelector("table.diff-table")
		if table == nil {
			return nil, nil // rich diff, image diff, or collapsed file
		}
		var acc codeview.Accessor = gitHubUnifiedAccessor{}
		if table.HasClass("file-diff-split") {
			acc = gitHubSplitAccessor{}
		}
		return &codeview.Spec{
			Accessor:     acc,
			FileInfo:     gitHubDiffFileInfo,
			Adjuster:     gitHubTabAdjuster,
			ToolbarMount: gitHubToolbarMount,
			IsDiff:       true,
		}, nil

	case root.Matches("div.code-list-item"):
		if root.QuerySelector("table.highlight") == nil {
			return nil, nil
		}
		return &codeview.Spec{
			Accessor: gitHubSnippetAccessor{},
			FileInfo: gitHubSnippetFileInfo,
		}, nil
	}
	return nil, nil
}

// --- blob view ---

// gitHubBlobAccessor reads single-file blob tables: one tr per line, the
// code in td.blob-code with id LC<n>.
type gitHubBlobAccessor struct{}

func (gitHubBlobAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.blob-code")
	if el == nil || !view.Contains(el) {
		return nil
	}
	return el
}

func (gitHubBlobAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	return view.QuerySelector(fmt.Sprintf("td#LC%d", line+1))
}

func (gitHubBlobAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	id := el.AttrOr("id", "")
	if !strings.HasPrefix(id, "LC") {
		return 0, "", codeview.ErrNotCodeElement
	}
	n, err := strconv.Atoi(id[2:])
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, "", nil
}

// gitHubBlobFileInfo reads identity from the permalink anchor GitHub embeds
// on every blob page (the "y" keyboard shortcut target), which always
// carries the fully resolved commit SHA.
func gitHubBlobFileInfo(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
	href := permalinkHref(doc)
	nwo, rev, path, ok := parseGitHubBlobURL(href)
	if !ok {
		return nil, fmt.Errorf("hosts: github: no usable permalink on blob page (href=%q)", href)
	}
	fi := &codeview.FileInfo{
		RepoName: "github.com/" + nwo,
		FilePath: path,
	}
	if isCommitSHA(rev) {
		fi.CommitID = rev
	} else {
		fi.Revision = rev
	}
	return fi, fi.Validate()
}

// --- unified diff view ---

// gitHubUnifiedAccessor reads unified diff tables: each tr carries two
// td.blob-num cells (base then head, numbered via data-line-number) and one
// td.blob-code classed as addition, deletion, or context.
type gitHubUnifiedAccessor struct{}

func (gitHubUnifiedAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.blob-code")
	if el == nil || el.HasClass("blob-code-hunk") || !view.Contains(el) {
		return nil
	}
	return el
}

func (gitHubUnifiedAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	want := strconv.Itoa(line + 1)
	for _, row := range view.QuerySelectorAll("tr") {
		code := row.QuerySelector("td.blob-code")
		if code == nil || code.HasClass("blob-code-hunk") {
			continue
		}
		nums := row.QuerySelectorAll("td.blob-num")
		if len(nums) < 2 {
			continue
		}
		switch part {
		case codeview.PartBase:
			if nums[0].AttrOr("data-line-number", "") == want && !code.HasClass("blob-code-addition") {
				return code
			}
		default: // head
			if nums[1].AttrOr("data-line-number", "") == want && !code.HasClass("blob-code-deletion") {
				return code
			}
		}
	}
	return nil
}

func (gitHubUnifiedAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	if !el.Matches("td.blob-code") || el.HasClass("blob-code-hunk") {
		return 0, "", codeview.ErrNotCodeElement
	}
	row := el.Closest("tr")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	nums := row.QuerySelectorAll("td.blob-num")
	if len(nums) < 2 {
		return 0, "", codeview.ErrNotCodeElement
	}
	// Deleted lines exist only on the base side; everything else is
	// reported in head coordinates.
	numCell, part := nums[1], codeview.PartHead
	if el.HasClass("blob-code-deletion") {
		numCell, part = nums[0], codeview.PartBase
	}
	n, err := strconv.Atoi(numCell.AttrOr("data-line-number", ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, part, nil
}

// --- split diff view ---

// gitHubSplitAccessor reads split diff tables: each tr carries a base
// num/code pair followed by a head num/code pair.
type gitHubSplitAccessor struct{}

func (gitHubSplitAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.blob-code")
	if el == nil || el.HasClass("blob-code-hunk") || el.HasClass("blob-code-empty") || !view.Contains(el) {
		return nil
	}
	return el
}

func (gitHubSplitAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	want := strconv.Itoa(line + 1)
	idx := 1 // head side
	if part == codeview.PartBase {
		idx = 0
	}
	for _, row := range view.QuerySelectorAll("tr") {
		nums := row.QuerySelectorAll("td.blob-num")
		codes := row.QuerySelectorAll("td.blob-code")
		if len(nums) <= idx || len(codes) <= idx {
			continue
		}
		if nums[idx].AttrOr("data-line-number", "") != want {
			continue
		}
		if codes[idx].HasClass("blob-code-empty") || codes[idx].HasClass("blob-code-hunk") {
			continue
		}
		return codes[idx]
	}
	return nil
}

func (gitHubSplitAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	if !el.Matches("td.blob-code") || el.HasClass("blob-code-hunk") || el.HasClass("blob-code-empty") {
		return 0, "", codeview.ErrNotCodeElement
	}
	row := el.Closest("tr")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	nums := row.QuerySelectorAll("td.blob-num")
	codes := row.QuerySelectorAll("td.blob-code")
	if len(nums) < 2 || len(codes) < 2 {
		return 0, "", codeview.ErrNotCodeElement
	}
	numCell, part := nums[1], codeview.PartHead
	if el.Same(codes[0]) {
		numCell, part = nums[0], codeview.PartBase
	}
	n, err := strconv.Atoi(numCell.AttrOr("data-line-number", ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, part, nil
}

// gitHubDiffFileInfo resolves identity for one file of a diff page. The
// file path comes off the container's header; the revisions come from the
// page, which is either a commit page (permalink SHA, base is its parent)
// or a pull request page (base-ref and head-ref spans naming branch heads,
// possibly on a fork).
func gitHubDiffFileInfo(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
	header := root.QuerySelector(".file-header")
	if header == nil {
		return nil, fmt.Errorf("hosts: github: diff file without header")
	}
	path := header.AttrOr("data-path", "")
	if path == "" {
		return nil, fmt.Errorf("hosts: github: diff file header without data-path")
	}
	basePath := header.AttrOr("data-previous-path", path)

	fi := &codeview.FileInfo{FilePath: path, BaseFilePath: basePath}

	if nwo, rev, ok := parseGitHubCommitURL(permalinkHref(doc)); ok {
		// A commit page compares against the first parent.
		fi.RepoName = "github.com/" + nwo
		fi.BaseRepoName = fi.RepoName
		fi.CommitID = rev
		fi.BaseRevision = rev + "^"
	} else {
		baseRepo, baseRev, err := parseRefSpan(doc, ".base-ref")
		if err != nil {
			return nil, err
		}
		headRepo, headRev, err := parseRefSpan(doc, ".head-ref")
		if err != nil {
			return nil, err
		}
		fi.RepoName = "github.com/" + headRepo
		fi.BaseRepoName = "github.com/" + baseRepo
		fi.Revision = headRev
		fi.BaseRevision = baseRev
	}
	return fi, fi.Validate()
}

// --- snippet view (search results, expanded comment snippets) ---

type gitHubSnippetAccessor struct{}

func (gitHubSnippetAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.blob-code")
	if el == nil || !view.Contains(el) {
		return nil
	}
	return el
}

func (gitHubSnippetAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	want := strconv.Itoa(line + 1)
	for _, row := range view.QuerySelectorAll("tr") {
		num := row.QuerySelector("td.blob-num")
		if num != nil && num.AttrOr("data-line-number", "") == want {
			return row.QuerySelector("td.blob-code")
		}
	}
	return nil
}

func (gitHubSnippetAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	row := el.Closest("tr")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	num := row.QuerySelector("td.blob-num")
	if num == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	n, err := strconv.Atoi(num.AttrOr("data-line-number", ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, "", nil
}

// gitHubSnippetFileInfo reads identity from the snippet's title link, which
// points at the blob the snippet was cut from.
func gitHubSnippetFileInfo(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
	link := root.QuerySelector(`a[href*="/blob/"]`)
	if link == nil {
		return nil, fmt.Errorf("hosts: github: snippet without blob link")
	}
	nwo, rev, path, ok := parseGitHubBlobURL(link.AttrOr("href", ""))
	if !ok {
		return nil, fmt.Errorf("hosts: github: unparseable snippet link %q", link.AttrOr("href", ""))
	}
	fi := &codeview.FileInfo{RepoName: "github.com/" + nwo, FilePath: path}
	if isCommitSHA(rev) {
		fi.CommitID = rev
	} else {
		fi.Revision = rev
	}
	return fi, fi.Validate()
}

// --- shared pieces ---

// gitHubTabAdjuster converts between rendered and actual columns on hosts
// that expand tabs to spaces (data-tab-size on the table). With no tabs on
// the line both directions are the identity, which keeps the adjuster
// self-inverse.
func gitHubTabAdjuster(ctx context.Context, args codeview.AdjustArgs) (codeview.Position, error) {
	tabSize := 8
	if t := args.View.Root.AttrOr("data-tab-size", ""); t != "" {
		if n, err := strconv.Atoi(t); err == nil && n > 0 {
			tabSize = n
		}
	} else if table := args.View.Root.QuerySelector("table[data-tab-size]"); table != nil {
		if n, err := strconv.Atoi(table.AttrOr("data-tab-size", "")); err == nil && n > 0 {
			tabSize = n
		}
	}

	lineText, ok := args.FileInfo.LineContent(args.Position.Line, args.Position.Part)
	if !ok {
		// Degraded view without raw content: rendered coordinates are all
		// we have, so pass positions through unchanged.
		return args.Position, nil
	}

	pos := args.Position
	switch args.Direction {
	case codeview.ActualToCodeView:
		pos.Character = renderedWidth(lineText, pos.Character, tabSize)
	case codeview.CodeViewToActual:
		pos.Character = actualColumn(lineText, pos.Character, tabSize)
	default:
		return pos, fmt.Errorf("hosts: unknown adjust direction %d", args.Direction)
	}
	return pos, nil
}

// renderedWidth is the on-screen column of actual column col after tab
// expansion.
func renderedWidth(line string, col, tabSize int) int {
	width := 0
	for i, r := range []rune(line) {
		if i >= col {
			break
		}
		if r == '\t' {
			width += tabSize - width%tabSize
		} else {
			width++
		}
	}
	return width
}

// actualColumn inverts renderedWidth: the actual column whose rendered span
// covers the on-screen column.
func actualColumn(line string, rendered, tabSize int) int {
	width := 0
	runes := []rune(line)
	for i, r := range runes {
		var next int
		if r == '\t' {
			next = width + tabSize - width%tabSize
		} else {
			next = width + 1
		}
		if rendered < next {
			return i
		}
		width = next
	}
	return len(runes)
}

// gitHubToolbarMount places the per-file toolbar inside the file header's
// action area, falling back to the view root.
func gitHubToolbarMount(doc *dom.Document, root *dom.Node) *dom.Node {
	parent := root
	if container := root.Closest("div.file"); container != nil {
		if actions := container.QuerySelector(".file-actions"); actions != nil {
			parent = actions
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

var gitHubHashPattern = regexp.MustCompile(`^L(\d+)(?:-L?(\d+))?$`)

// gitHubSelections parses #L10 and #L10-L20 fragments.
func gitHubSelections(u *url.URL) []codeview.LineRange {
	m := gitHubHashPattern.FindStringSubmatch(u.Fragment)
	if m == nil {
		return nil
	}
	start, _ := strconv.Atoi(m[1])
	end := start
	if m[2] != "" {
		end, _ = strconv.Atoi(m[2])
	}
	if end < start {
		start, end = end, start
	}
	return []codeview.LineRange{{Start: start - 1, End: end - 1}}
}

// permalinkHref returns the href of the page's permalink shortcut anchor,
// empty when absent.
func permalinkHref(doc *dom.Document) string {
	body := doc.Body()
	if body == nil {
		return ""
	}
	if a := body.QuerySelector("a.js-permalink-shortcut"); a != nil {
		return a.AttrOr("href", "")
	}
	return ""
}

// parseGitHubBlobURL splits /owner/repo/blob/rev/path/to/file into its
// parts.
func parseGitHubBlobURL(href string) (nwo, rev, path string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(href, "/"), "/")
	if len(parts) < 5 || parts[2] != "blob" {
		return "", "", "", false
	}
	return parts[0] + "/" + parts[1], parts[3], strings.Join(parts[4:], "/"), true
}

// parseGitHubCommitURL splits /owner/repo/commit/sha.
func parseGitHubCommitURL(href string) (nwo, rev string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(href, "/"), "/")
	if len(parts) != 4 || parts[2] != "commit" || !isCommitSHA(parts[3]) {
		return "", "", false
	}
	return parts[0] + "/" + parts[1], parts[3], true
}

// parseRefSpan reads a pull request ref span ("owner/repo:branch" in the
// title attribute, or just "branch" for same-repo PRs, with the repo then
// taken from the span text).
func parseRefSpan(doc *dom.Document, selector string) (nwo, rev string, err error) {
	body := doc.Body()
	if body == nil {
		return "", "", fmt.Errorf("hosts: github: no document body")
	}
	span := body.QuerySelector(selector)
	if span == nil {
		return "", "", fmt.Errorf("hosts: github: pull request page without %s", selector)
	}
	ref := span.AttrOr("title", "")
	if ref == "" {
		ref = strings.TrimSpace(span.TextContent())
	}
	repoPart, branch, found := strings.Cut(ref, ":")
	if !found {
		return "", "", fmt.Errorf("hosts: github: unparseable ref %q in %s", ref, selector)
	}
	return repoPart, branch, nil
}

var commitSHAPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

func isCommitSHA(s string) bool { return commitSHAPattern.MatchString(s) }
