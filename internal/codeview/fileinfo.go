package codeview

import (
	"fmt"
	"net/url"
	"strings"
)

// FileInfo is the resolved identity of the content a code view renders. A
// diff view carries the full base-side quadruple; a single-file view carries
// none of it. Validate enforces the all-or-none shape.
type FileInfo struct {
	RepoName string
	FilePath string
	CommitID string // resolved commit; empty until Revision is resolved
	Revision string // symbolic rev (branch, tag) as the page states it
	Content  string // raw file text; empty until fetched or when degraded

	BaseRepoName string
	BaseFilePath string
	BaseCommitID string
	BaseRevision string
	BaseContent  string
}

// IsDiff reports whether base-side identity is populated.
func (f *FileInfo) IsDiff() bool {
	return f.BaseCommitID != "" || f.BaseRevision != "" || f.BaseRepoName != "" || f.BaseFilePath != ""
}

// Validate checks the invariants every resolver must satisfy: head identity
// complete (a commit ID or a symbolic revision to resolve one from), and
// base identity either fully populated or fully absent.
func (f *FileInfo) Validate() error {
	if f.RepoName == "" || f.FilePath == "" || (f.CommitID == "" && f.Revision == "") {
		return fmt.Errorf("incomplete file info: repo=%q path=%q commit=%q rev=%q",
			f.RepoName, f.FilePath, f.CommitID, f.Revision)
	}
	if !f.IsDiff() {
		return nil
	}
	if f.BaseRepoName == "" || f.BaseFilePath == "" || (f.BaseCommitID == "" && f.BaseRevision == "") {
		return fmt.Errorf("partial base-side file info for %s/%s: repo=%q path=%q commit=%q rev=%q",
			f.RepoName, f.FilePath, f.BaseRepoName, f.BaseFilePath, f.BaseCommitID, f.BaseRevision)
	}
	return nil
}

// URI returns the canonical document URI for the head side, the key used by
// the decoration feed and the visible-documents registry.
func (f *FileInfo) URI() string {
	return documentURI(f.RepoName, f.CommitID, f.FilePath)
}

// BaseURI returns the base-side document URI, or "" for single-file views.
func (f *FileInfo) BaseURI() string {
	if !f.IsDiff() {
		return ""
	}
	return documentURI(f.BaseRepoName, f.BaseCommitID, f.BaseFilePath)
}

func documentURI(repo, commit, path string) string {
	return fmt.Sprintf("git://%s?%s#%s", repo, commit, path)
}

// ParseURI splits a document URI produced by URI back into its parts.
func ParseURI(uri string) (repo, commit, path string, err error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "git" {
		return "", "", "", fmt.Errorf("malformed document URI %q", uri)
	}
	repo = u.Host + u.Path
	return repo, u.RawQuery, u.Fragment, nil
}

// ContentLines returns the head content split into lines, without trailing
// newline artifacts.
func (f *FileInfo) ContentLines() []string {
	return splitLines(f.Content)
}

// BaseContentLines returns the base content split into lines.
func (f *FileInfo) BaseContentLines() []string {
	return splitLines(f.BaseContent)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

// LineContent returns the actual text of a zero-based line on the given
// diff part, and whether the content covers that line.
func (f *FileInfo) LineContent(line int, part DiffPart) (string, bool) {
	lines := f.ContentLines()
	if part == PartBase {
		lines = f.BaseContentLines()
	}
	if line < 0 || line >= len(lines) {
		return "", false
	}
	return lines[line], true
}
