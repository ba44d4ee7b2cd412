package hosts

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/sightline-dev/sightline/internal/codeview"
	"github.com/sightline-dev/sightline/internal/dom"
)

const gitHubSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const gitHubBaseSHA = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func gitHubBlobPage(t *testing.T) *dom.Document {
	return parseDoc(t, `<html><body>
<div class="application-main">
<a class="js-permalink-shortcut" href="/acme/widgets/blob/`+gitHubSHA+`/pkg/util/strings.go">permalink</a>
<table class="highlight js-file-line-container" data-tab-size="4">
<tr><td class="blob-num" data-line-number="1" id="L1"></td><td class="blob-code" id="LC1">package util</td></tr>
<tr><td class="blob-num" data-line-number="2" id="L2"></td><td class="blob-code" id="LC2"></td></tr>
<tr><td class="blob-num" data-line-number="3" id="L3"></td><td class="blob-code" id="LC3">func Reverse(s string) string {</td></tr>
</table>
</div>
</body></html>`)
}

func TestGitHubResolveBlobView(t *testing.T) {
	doc := gitHubBlobPage(t)
	root := doc.Body().QuerySelector("table.js-file-line-container")

	spec, err := resolveGitHubView(root)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if spec == nil {
		t.Fatal("blob table not recognized as a code view")
	}
	if spec.IsDiff {
		t.Error("blob spec marked as diff")
	}
}

func TestGitHubBlobAccessorRoundTrip(t *testing.T) {
	doc := gitHubBlobPage(t)
	root := doc.Body().QuerySelector("table.js-file-line-container")
	acc := gitHubBlobAccessor{}

	el := acc.CodeElementFromLine(root, 2, "")
	if el == nil {
		t.Fatal("no element for line 2")
	}
	line, part, err := acc.LineFromCodeElement(el)
	if err != nil || line != 2 || part != "" {
		t.Errorf("round trip = (%d, %q, %v), want (2, \"\", nil)", line, part, err)
	}
	if got := acc.CodeElementFromLine(root, 99, ""); got != nil {
		t.Error("out-of-range line returned an element")
	}
	if got := acc.CodeElementFromTarget(root, el); got == nil || !got.Same(el) {
		t.Error("CodeElementFromTarget did not resolve the code cell to itself")
	}
	num := root.QuerySelector("td#L3")
	if got := acc.CodeElementFromTarget(root, num); got != nil {
		t.Error("line number cell resolved to a code element")
	}
}

func TestGitHubBlobFileInfo(t *testing.T) {
	doc := gitHubBlobPage(t)
	root := doc.Body().QuerySelector("table.js-file-line-container")

	fi, err := gitHubBlobFileInfo(doc, root)
	if err != nil {
		t.Fatalf("file info: %v", err)
	}
	if fi.RepoName != "github.com/acme/widgets" {
		t.Errorf("repo = %q", fi.RepoName)
	}
	if fi.CommitID != gitHubSHA {
		t.Errorf("commit = %q", fi.CommitID)
	}
	if fi.FilePath != "pkg/util/strings.go" {
		t.Errorf("path = %q", fi.FilePath)
	}
	if fi.IsDiff() {
		t.Error("blob file info reports diff")
	}
}

func TestGitHubBlobFileInfoRecordsBranchRevision(t *testing.T) {
	doc := parseDoc(t, `<html><body>
<a class="js-permalink-shortcut" href="/acme/widgets/blob/main/x.go">p</a>
<table class="js-file-line-container"></table>
</body></html>`)
	root := doc.Body().QuerySelector("table")

	fi, err := gitHubBlobFileInfo(doc, root)
	if err != nil {
		t.Fatalf("file info: %v", err)
	}
	if fi.CommitID != "" {
		t.Errorf("commit = %q, want empty until the revision is resolved", fi.CommitID)
	}
	if fi.Revision != "main" {
		t.Errorf("revision = %q, want the branch from the permalink", fi.Revision)
	}
}

func gitHubUnifiedDiffPage(t *testing.T) *dom.Document {
	return parseDoc(t, `<html><body>
<a class="js-permalink-shortcut" href="/acme/widgets/commit/`+gitHubSHA+`">p</a>
<div class="file js-file">
<div class="file-header" data-path="pkg/util/strings.go"></div>
<table class="diff-table">
<tr><td class="blob-num" data-line-number="3"></td><td class="blob-num" data-line-number="3"></td><td class="blob-code blob-code-context">shared line</td></tr>
<tr><td class="blob-num" data-line-number="4"></td><td class="blob-num"></td><td class="blob-code blob-code-deletion">removed line</td></tr>
<tr><td class="blob-num"></td><td class="blob-num" data-line-number="4"></td><td class="blob-code blob-code-addition">added line</td></tr>
</table>
</div>
</body></html>`)
}

func TestGitHubUnifiedAccessor(t *testing.T) {
	doc := gitHubUnifiedDiffPage(t)
	root := doc.Body().QuerySelector("div.file")
	acc := gitHubUnifiedAccessor{}

	tests := []struct {
		text     string
		wantLine int
		wantPart codeview.DiffPart
	}{
		{"shared line", 2, codeview.PartHead},
		{"removed line", 3, codeview.PartBase},
		{"added line", 3, codeview.PartHead},
	}
	for _, tt := range tests {
		el := findCodeCell(root, tt.text)
		line, part, err := acc.LineFromCodeElement(el)
		if err != nil {
			t.Errorf("%q: %v", tt.text, err)
			continue
		}
		if line != tt.wantLine || part != tt.wantPart {
			t.Errorf("%q = (%d, %s), want (%d, %s)", tt.text, line, part, tt.wantLine, tt.wantPart)
		}
	}

	if el := acc.CodeElementFromLine(root, 3, codeview.PartBase); el == nil || !strings.Contains(el.TextContent(), "removed") {
		t.Error("base line 3 did not resolve to the deletion cell")
	}
	if el := acc.CodeElementFromLine(root, 3, codeview.PartHead); el == nil || !strings.Contains(el.TextContent(), "added") {
		t.Error("head line 3 did not resolve to the addition cell")
	}
	// Context lines exist on both sides.
	if el := acc.CodeElementFromLine(root, 2, codeview.PartBase); el == nil || !strings.Contains(el.TextContent(), "shared") {
		t.Error("base context lookup failed")
	}
}

func TestGitHubDiffFileInfoFromCommitPage(t *testing.T) {
	doc := gitHubUnifiedDiffPage(t)
	root := doc.Body().QuerySelector("div.file")

	fi, err := gitHubDiffFileInfo(doc, root)
	if err != nil {
		t.Fatalf("file info: %v", err)
	}
	if !fi.IsDiff() {
		t.Fatal("commit diff file info is not a diff")
	}
	if fi.CommitID != gitHubSHA || fi.BaseRevision != gitHubSHA+"^" {
		t.Errorf("head commit %q base revision %q, want pinned head and first-parent base", fi.CommitID, fi.BaseRevision)
	}
	if fi.BaseRepoName != fi.RepoName {
		t.Errorf("base repo = %q, want same repo", fi.BaseRepoName)
	}
	if err := fi.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestGitHubDiffFileInfoFromPullRequest(t *testing.T) {
	doc := parseDoc(t, `<html><body>
<span class="commit-ref base-ref" title="acme/widgets:main"></span>
<span class="commit-ref head-ref" title="forker/widgets:feature"></span>
<div class="file js-file">
<div class="file-header" data-path="x.go" data-previous-path="old/x.go"></div>
<table class="diff-table"><tr></tr></table>
</div>
</body></html>`)
	root := doc.Body().QuerySelector("div.file")

	fi, err := gitHubDiffFileInfo(doc, root)
	if err != nil {
		t.Fatalf("file info: %v", err)
	}
	if fi.RepoName != "github.com/forker/widgets" || fi.BaseRepoName != "github.com/acme/widgets" {
		t.Errorf("repos = %q/%q; fork head must differ from base", fi.RepoName, fi.BaseRepoName)
	}
	if fi.Revision != "feature" || fi.BaseRevision != "main" {
		t.Errorf("revisions = %q/%q, want the ref span branches", fi.Revision, fi.BaseRevision)
	}
	if fi.BaseFilePath != "old/x.go" {
		t.Errorf("base path = %q, want rename source", fi.BaseFilePath)
	}
}

func TestGitHubSplitAccessor(t *testing.T) {
	doc := parseDoc(t, `<html><body>
<div class="file js-file">
<table class="diff-table file-diff-split">
<tr>
<td class="blob-num" data-line-number="7"></td><td class="blob-code blob-code-deletion">old seven</td>
<td class="blob-num" data-line-number="7"></td><td class="blob-code blob-code-addition">new seven</td>
</tr>
<tr>
<td class="blob-num"></td><td class="blob-code blob-code-empty"></td>
<td class="blob-num" data-line-number="8"></td><td class="blob-code blob-code-addition">new eight</td>
</tr>
</table>
</div>
</body></html>`)
	root := doc.Body().QuerySelector("div.file")
	acc := gitHubSplitAccessor{}

	left := findCodeCell(root, "old seven")
	line, part, err := acc.LineFromCodeElement(left)
	if err != nil || line != 6 || part != codeview.PartBase {
		t.Errorf("left cell = (%d, %s, %v), want (6, base, nil)", line, part, err)
	}
	right := findCodeCell(root, "new seven")
	line, part, err = acc.LineFromCodeElement(right)
	if err != nil || line != 6 || part != codeview.PartHead {
		t.Errorf("right cell = (%d, %s, %v), want (6, head, nil)", line, part, err)
	}

	if el := acc.CodeElementFromLine(root, 7, codeview.PartHead); el == nil || !strings.Contains(el.TextContent(), "new eight") {
		t.Error("head line 7 lookup failed")
	}
	if el := acc.CodeElementFromLine(root, 7, codeview.PartBase); el != nil {
		t.Error("base side of an added row returned an element")
	}

	empty := root.QuerySelector("td.blob-code-empty")
	if got := acc.CodeElementFromTarget(root, empty); got != nil {
		t.Error("empty filler cell resolved to a code element")
	}
}

func TestGitHubTabAdjusterRoundTrip(t *testing.T) {
	doc := parseDoc(t, `<html><body><table class="js-file-line-container" data-tab-size="4"></table></body></html>`)
	view := &codeview.View{Root: doc.Body().QuerySelector("table")}
	fi := &codeview.FileInfo{
		RepoName: "r", CommitID: "c", FilePath: "f.go",
		Content: "\tif ok {\n\t\treturn\n\t}\n",
	}

	tests := []struct {
		line, actual, rendered int
	}{
		{0, 0, 0}, // the tab itself
		{0, 1, 4}, // first char after one tab
		{0, 3, 6}, // inside the word
		{1, 2, 8}, // after two tabs
		{2, 1, 4}, // closing brace line
	}
	for _, tt := range tests {
		got, err := gitHubTabAdjuster(context.Background(), codeview.AdjustArgs{
			Direction: codeview.ActualToCodeView,
			View:      view,
			FileInfo:  fi,
			Position:  codeview.Position{Line: tt.line, Character: tt.actual},
		})
		if err != nil {
			t.Fatalf("ActualToCodeView: %v", err)
		}
		if got.Character != tt.rendered {
			t.Errorf("line %d actual %d -> rendered %d, want %d", tt.line, tt.actual, got.Character, tt.rendered)
		}
		back, err := gitHubTabAdjuster(context.Background(), codeview.AdjustArgs{
			Direction: codeview.CodeViewToActual,
			View:      view,
			FileInfo:  fi,
			Position:  got,
		})
		if err != nil {
			t.Fatalf("CodeViewToActual: %v", err)
		}
		if back.Character != tt.actual {
			t.Errorf("line %d rendered %d -> actual %d, want %d (not self-inverse)", tt.line, got.Character, back.Character, tt.actual)
		}
	}
}

func TestGitHubTabAdjusterPassThroughWithoutContent(t *testing.T) {
	doc := parseDoc(t, `<html><body><table data-tab-size="4"></table></body></html>`)
	view := &codeview.View{Root: doc.Body().QuerySelector("table")}
	fi := &codeview.FileInfo{RepoName: "r", CommitID: "c", FilePath: "f.go"}

	pos := codeview.Position{Line: 5, Character: 9}
	got, err := gitHubTabAdjuster(context.Background(), codeview.AdjustArgs{
		Direction: codeview.CodeViewToActual, View: view, FileInfo: fi, Position: pos,
	})
	if err != nil || got != pos {
		t.Errorf("degraded adjust = (%v, %v), want identity", got, err)
	}
}

func TestGitHubSelections(t *testing.T) {
	tests := []struct {
		fragment string
		want     []codeview.LineRange
	}{
		{"L10", []codeview.LineRange{{Start: 9, End: 9}}},
		{"L10-L20", []codeview.LineRange{{Start: 9, End: 19}}},
		{"L20-L10", []codeview.LineRange{{Start: 9, End: 19}}},
		{"L10-14", []codeview.LineRange{{Start: 9, End: 13}}},
		{"diff-abc123", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := gitHubSelections(&url.URL{Fragment: tt.fragment})
		if len(got) != len(tt.want) {
			t.Errorf("%q: %v, want %v", tt.fragment, got, tt.want)
			continue
		}
		if len(got) == 1 && got[0] != tt.want[0] {
			t.Errorf("%q: %v, want %v", tt.fragment, got[0], tt.want[0])
		}
	}
}

func TestParseGitHubBlobURL(t *testing.T) {
	nwo, rev, path, ok := parseGitHubBlobURL("/acme/widgets/blob/main/cmd/x/main.go")
	if !ok || nwo != "acme/widgets" || rev != "main" || path != "cmd/x/main.go" {
		t.Errorf("got (%q, %q, %q, %v)", nwo, rev, path, ok)
	}
	if _, _, _, ok := parseGitHubBlobURL("/acme/widgets/tree/main"); ok {
		t.Error("tree URL parsed as blob")
	}
	if _, _, _, ok := parseGitHubBlobURL(""); ok {
		t.Error("empty URL parsed as blob")
	}
}

// findCodeCell locates the code cell whose text contains needle, a
// convenience for diff fixtures where ids are unavailable.
func findCodeCell(root *dom.Node, needle string) *dom.Node {
	for _, td := range root.QuerySelectorAll("td.blob-code") {
		if strings.Contains(td.TextContent(), needle) {
			return td
		}
	}
	return nil
}
