package hosts

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/fileinfo"
	"github.com/sightline-dev/sightline/internal/locator"
)

// GitLab returns the adapter for gitlab.com pages. Self-hosted instances
// match once their domain is added to the adapter's URL patterns via
// configuration.
func GitLab() *Adapter {
	return &Adapter{
		Name:        "gitlab",
		URLPatterns: []string{"gitlab.com/**", "*.gitlab.com/**"},
		Check: func(doc *dom.Document) bool {
			body := doc.Body()
			return body != nil && (body.QuerySelector(".layout-page") != nil ||
				body.AttrOr("data-page", "") != "")
		},
		Source: locator.Resolve(
			"div.file-holder, div.diff-file",
			resolveGitLabView,
		),
		OverlayMount: overlayMountBySelector("sightline-gitlab-overlay", ".layout-page"),
		Selections:   gitLabSelections,
	}
}

func resolveGitLabView(root *dom.Node) (*codeview.Spec, error) {
	switch {
	case root.Matches("div.file-holder"):
		// Markdown previews and other rendered viewers reuse the holder
		// without line-numbered code.
		if root.QuerySelector(".blob-content .line") == nil {
			return nil, nil
		}
		return &codeview.Spec{
			Accessor:     gitLabBlobAccessor{},
			FileInfo:     gitLabBlobFileInfo,
			Adjuster:     gitLabWhitespaceAdjuster,
			ToolbarMount: gitLabToolbarMount,
		}, nil

	case root.Matches("div.diff-file"):
		if root.QuerySelector("td.line_content") == nil {
			return nil, nil // collapsed or renamed-without-changes entry
		}
		return &codeview.Spec{
			Accessor:     gitLabDiffAccessor{},
			FileInfo:     gitLabDiffFileInfo,
			Adjuster:     gitLabWhitespaceAdjuster,
			ToolbarMount: gitLabToolbarMount,
			IsDiff:       true,
		}, nil
	}
	return nil, nil
}

// --- blob view ---

// gitLabBlobAccessor reads blob viewers: code lines are div.line elements
// with id LC<n> inside .blob-content.
type gitLabBlobAccessor struct{}

func (gitLabBlobAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest(".line")
	if el == nil || !strings.HasPrefix(el.AttrOr("id", ""), "LC") || !view.Contains(el) {
		return nil
	}
	return el
}

func (gitLabBlobAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	return view.QuerySelector(fmt.Sprintf("#LC%d", line+1))
}

func (gitLabBlobAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
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

// gitLabBlobFileInfo reads identity from the blob permalink anchor, which
// carries the resolved commit SHA in its /-/blob/ URL.
func gitLabBlobFileInfo(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
	body := doc.Body()
	if body == nil {
		return nil, fmt.Errorf("hosts: gitlab: no document body")
	}
	link := body.QuerySelector("a.js-blob-permalink")
	if link == nil {
		return nil, fmt.Errorf("hosts: gitlab: blob page without permalink anchor")
	}
	project, rev, path, ok := parseGitLabBlobURL(link.AttrOr("href", ""))
	if !ok {
		return nil, fmt.Errorf("hosts: gitlab: unparseable permalink %q", link.AttrOr("href", ""))
	}
	fi := &codeview.FileInfo{
		RepoName: "gitlab.com/" + project,
		FilePath: path,
	}
	if isCommitSHA(rev) {
		fi.CommitID = rev
	} else {
		fi.Revision = rev
	}
	return fi, fi.Validate()
}

// --- diff view ---

// gitLabDiffAccessor reads merge request and commit diff tables: rows are
// tr.line_holder with td.old_line / td.new_line number cells (numbered via
// data-linenumber) and a td.line_content cell classed old or new.
type gitLabDiffAccessor struct{}

func (gitLabDiffAccessor) CodeElementFromTarget(view, target *dom.Node) *dom.Node {
	if target.IsInjected() {
		return nil
	}
	el := target.Closest("td.line_content")
	if el == nil || el.HasClass("match") || !view.Contains(el) {
		return nil
	}
	return el
}

func (gitLabDiffAccessor) CodeElementFromLine(view *dom.Node, line int, part codeview.DiffPart) *dom.Node {
	want := strconv.Itoa(line + 1)
	numSel := "td.new_line"
	if part == codeview.PartBase {
		numSel = "td.old_line"
	}
	for _, row := range view.QuerySelectorAll("tr.line_holder") {
		num := row.QuerySelector(numSel)
		if num == nil || num.AttrOr("data-linenumber", "") != want {
			continue
		}
		content := row.QuerySelector("td.line_content")
		if content == nil || content.HasClass("match") {
			continue
		}
		if part == codeview.PartBase && content.HasClass("new") {
			continue
		}
		if part != codeview.PartBase && content.HasClass("old") {
			continue
		}
		return content
	}
	return nil
}

func (gitLabDiffAccessor) LineFromCodeElement(el *dom.Node) (int, codeview.DiffPart, error) {
	if !el.Matches("td.line_content") || el.HasClass("match") {
		return 0, "", codeview.ErrNotCodeElement
	}
	row := el.Closest("tr.line_holder")
	if row == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	numSel, part := "td.new_line", codeview.PartHead
	if el.HasClass("old") {
		numSel, part = "td.old_line", codeview.PartBase
	}
	num := row.QuerySelector(numSel)
	if num == nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	n, err := strconv.Atoi(num.AttrOr("data-linenumber", ""))
	if err != nil {
		return 0, "", codeview.ErrNotCodeElement
	}
	return n - 1, part, nil
}

// gitLabDiffFileInfo resolves one file of a merge request or commit diff.
// Paths come off the diff-file container; revisions come from the diffs
// app container's data attributes. When the shim inlined the raw patch,
// rename detection and base-side content come from the patch itself;
// otherwise the base content is gap-filled from the rendered old-side rows.
func gitLabDiffFileInfo(doc *dom.Document, root *dom.Node) (*codeview.FileInfo, error) {
	body := doc.Body()
	if body == nil {
		return nil, fmt.Errorf("hosts: gitlab: no document body")
	}
	path := root.AttrOr("data-path", "")
	if path == "" {
		return nil, fmt.Errorf("hosts: gitlab: diff file without data-path")
	}
	diffs := body.QuerySelector(".diffs[data-base-sha][data-head-sha]")
	if diffs == nil {
		return nil, fmt.Errorf("hosts: gitlab: no diffs container with revision attributes")
	}
	project := body.AttrOr("data-project-full-path", "")
	if project == "" {
		return nil, fmt.Errorf("hosts: gitlab: body without data-project-full-path")
	}

	fi := &codeview.FileInfo{
		RepoName:     "gitlab.com/" + project,
		FilePath:     path,
		CommitID:     diffs.AttrOr("data-head-sha", ""),
		BaseRepoName: "gitlab.com/" + project,
		BaseFilePath: path,
		BaseCommitID: diffs.AttrOr("data-base-sha", ""),
	}

	if raw := embeddedRawDiff(doc); raw != "" {
		if ident, err := fileinfo.ParseDiffIdentity(raw, path); err == nil {
			fi.BaseFilePath = ident.OldPath
		}
		if lines, err := fileinfo.BaseLinesFromDiff(raw, path); err == nil && len(lines) > 0 {
			fi.BaseContent = fileinfo.Reconstruct(lines)
		}
	}
	if fi.BaseContent == "" {
		if lines := baseLinesFromRows(root); len(lines) > 0 {
			fi.BaseContent = fileinfo.Reconstruct(lines)
		}
	}

	return fi, fi.Validate()
}

// baseLinesFromRows collects the base-side verbatim text the diff table
// already renders, keyed by zero-based base line.
func baseLinesFromRows(root *dom.Node) map[int]string {
	lines := make(map[int]string)
	for _, row := range root.QuerySelectorAll("tr.line_holder") {
		content := row.QuerySelector("td.line_content")
		if content == nil || content.HasClass("match") || content.HasClass("new") {
			continue
		}
		num := row.QuerySelector("td.old_line")
		if num == nil {
			continue
		}
		n, err := strconv.Atoi(num.AttrOr("data-linenumber", ""))
		if err != nil {
			continue
		}
		lines[n-1] = content.CodeText()
	}
	return lines
}

// --- shared pieces ---

// gitLabWhitespaceAdjuster compensates for viewers that trim leading
// whitespace off rendered lines. The shift is the difference between the
// actual line's indentation and the rendered element's, which makes the
// two directions exact inverses. The code element must exist: silently
// skipping the adjustment would misplace every tooltip on the line.
func gitLabWhitespaceAdjuster(ctx context.Context, args codeview.AdjustArgs) (codeview.Position, error) {
	lineText, ok := args.FileInfo.LineContent(args.Position.Line, args.Position.Part)
	if !ok {
		return args.Position, nil
	}
	el := args.View.Spec.Accessor.CodeElementFromLine(args.View.Root, args.Position.Line, args.Position.Part)
	if el == nil {
		return args.Position, fmt.Errorf("hosts: gitlab: no code element for line %d while adjusting", args.Position.Line)
	}
	shift := leadingWhitespace(lineText) - leadingWhitespace(el.CodeText())

	pos := args.Position
	switch args.Direction {
	case codeview.CodeViewToActual:
		pos.Character += shift
	case codeview.ActualToCodeView:
		pos.Character -= shift
	default:
		return pos, fmt.Errorf("hosts: unknown adjust direction %d", args.Direction)
	}
	return pos, nil
}

func leadingWhitespace(s string) int {
	for i, r := range []rune(s) {
		if !unicode.IsSpace(r) {
			return i
		}
	}
	return len([]rune(s))
}

func gitLabToolbarMount(doc *dom.Document, root *dom.Node) *dom.Node {
	parent := root
	if title := root.QuerySelector(".js-file-title, .file-title"); title != nil {
		parent = title
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

var gitLabHashPattern = regexp.MustCompile(`^L(\d+)(?:-(\d+))?$`)

// gitLabSelections parses #L10 and #L10-20 fragments.
func gitLabSelections(u *url.URL) []codeview.LineRange {
	m := gitLabHashPattern.FindStringSubmatch(u.Fragment)
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

// parseGitLabBlobURL splits /group/project/-/blob/rev/path (the group may
// nest arbitrarily deep).
func parseGitLabBlobURL(href string) (project, rev, path string, ok bool) {
	before, after, found := strings.Cut(href, "/-/blob/")
	if !found {
		return "", "", "", false
	}
	project = strings.TrimPrefix(before, "/")
	rev, path, found = strings.Cut(after, "/")
	if !found || project == "" || rev == "" || path == "" {
		return "", "", "", false
	}
	return project, rev, path, true
}

// embeddedRawDiff returns the raw unified diff the shim inlines alongside
// diff pages for hosts whose DOM alone cannot reconstruct base content,
// empty when the page carries none.
func embeddedRawDiff(doc *dom.Document) string {
	body := doc.Body()
	if body == nil {
		return ""
	}
	script := body.QuerySelector(`script[type="text/x-diff"]`)
	if script == nil {
		return ""
	}
	return strings.TrimSpace(script.TextContent()) + "\n"
}
