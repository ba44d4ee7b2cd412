// Package fileinfo holds the host-independent half of file info resolution:
// waiting out server-side clones, fetching missing content with graceful
// degradation, and reconstructing file text from partial DOM renderings.
package fileinfo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/sightline-dev/sightline/internal/backend"
	"github.com/sightline-dev/sightline/internal/codeview"
)

// RetryPolicy bounds the clone-in-progress polling loop.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetry waits up to ~15s for a clone to finish.
var DefaultRetry = RetryPolicy{Attempts: 30, Delay: 500 * time.Millisecond}

// EnsureCloned resolves rev to a commit ID, retrying while the backend
// reports a clone in progress. Any other error is returned as-is, so
// callers can distinguish ErrPrivateRepo (degrade) from real failures.
func EnsureCloned(ctx context.Context, src codeview.ContentSource, repo, rev string, policy RetryPolicy) (string, error) {
	if policy.Attempts <= 0 {
		policy = DefaultRetry
	}
	var lastErr error
	for i := 0; i < policy.Attempts; i++ {
		commitID, err := src.ResolveRevision(ctx, repo, rev)
		if err == nil {
			return commitID, nil
		}
		if !errors.Is(err, backend.ErrCloneInProgress) {
			return "", err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(policy.Delay):
		}
	}
	return "", fmt.Errorf("fileinfo: %s@%s still cloning after %d attempts: %w", repo, rev, policy.Attempts, lastErr)
}

// ResolveRevisions fills in fi.CommitID and fi.BaseCommitID from the
// symbolic revisions the resolver recorded. Sides already pinned to a
// commit are left alone. Errors wrap the source error, so backend sentinels
// stay matchable with errors.Is.
func ResolveRevisions(ctx context.Context, src codeview.ContentSource, fi *codeview.FileInfo) error {
	if fi.CommitID == "" {
		commit, err := src.ResolveRevision(ctx, fi.RepoName, fi.Revision)
		if err != nil {
			return fmt.Errorf("fileinfo: resolve %s@%s: %w", fi.RepoName, fi.Revision, err)
		}
		fi.CommitID = commit
	}
	if fi.IsDiff() && fi.BaseCommitID == "" {
		commit, err := src.ResolveRevision(ctx, fi.BaseRepoName, fi.BaseRevision)
		if err != nil {
			return fmt.Errorf("fileinfo: resolve base %s@%s: %w", fi.BaseRepoName, fi.BaseRevision, err)
		}
		fi.BaseCommitID = commit
	}
	return nil
}

// FetchContents fills in fi.Content and fi.BaseContent from the backend
// where the DOM did not already supply them. A private-repo error degrades
// the file info to resolved-without-content instead of failing; hover and
// adjustment for that view will be limited but the pipeline continues.
func FetchContents(ctx context.Context, src codeview.ContentSource, fi *codeview.FileInfo) error {
	if fi.Content == "" {
		content, err := src.RawContent(ctx, fi.RepoName, fi.CommitID, fi.FilePath)
		switch {
		case err == nil:
			fi.Content = content
		case errors.Is(err, backend.ErrPrivateRepo):
			// degrade
		default:
			return fmt.Errorf("fileinfo: fetch %s@%s:%s: %w", fi.RepoName, fi.CommitID, fi.FilePath, err)
		}
	}
	if fi.IsDiff() && fi.BaseContent == "" {
		content, err := src.RawContent(ctx, fi.BaseRepoName, fi.BaseCommitID, fi.BaseFilePath)
		switch {
		case err == nil:
			fi.BaseContent = content
		case errors.Is(err, backend.ErrPrivateRepo):
			// degrade
		default:
			return fmt.Errorf("fileinfo: fetch base %s@%s:%s: %w", fi.BaseRepoName, fi.BaseCommitID, fi.BaseFilePath, err)
		}
	}
	return nil
}

// Reconstruct builds file content from the line ranges a truncated or
// syntax-highlighted rendering exposes, gap-filling absent lines. domLines
// maps zero-based line numbers to their verbatim text. Lines past the
// highest known line are not invented.
func Reconstruct(domLines map[int]string) string {
	if len(domLines) == 0 {
		return ""
	}
	max := 0
	for l := range domLines {
		if l > max {
			max = l
		}
	}
	lines := make([]string, max+1)
	for l, text := range domLines {
		if l >= 0 {
			lines[l] = text
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// DiffIdentity is the file-level identity extracted from a raw diff.
type DiffIdentity struct {
	OldPath string
	NewPath string
	Renamed bool
}

// ParseDiffIdentity parses a raw unified diff and returns the base-side
// identity for the file whose head path is headPath. Hosts that expose only
// a raw patch endpoint (Phabricator, GitLab merge request diffs) use this
// to recover base paths across renames.
func ParseDiffIdentity(diffText, headPath string) (*DiffIdentity, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(diffText))
	if err != nil {
		return nil, fmt.Errorf("fileinfo: parse diff: %w", err)
	}
	for _, f := range files {
		if f.NewName == headPath || (f.NewName == "" && f.OldName == headPath) {
			id := &DiffIdentity{OldPath: f.OldName, NewPath: f.NewName, Renamed: f.IsRename}
			if id.OldPath == "" {
				id.OldPath = id.NewPath
			}
			return id, nil
		}
	}
	return nil, fmt.Errorf("fileinfo: %s not present in diff", headPath)
}

// BaseLinesFromDiff replays a raw unified diff backwards for headPath,
// returning the base-side text of every line the diff covers, keyed by
// zero-based base line number. Context and deleted lines carry base
// content; added lines do not exist on the base side.
func BaseLinesFromDiff(diffText, headPath string) (map[int]string, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(diffText))
	if err != nil {
		return nil, fmt.Errorf("fileinfo: parse diff: %w", err)
	}
	for _, f := range files {
		if f.NewName != headPath && f.OldName != headPath {
			continue
		}
		lines := make(map[int]string)
		for _, frag := range f.TextFragments {
			base := int(frag.OldPosition) - 1 // fragment positions are 1-based
			for _, ln := range frag.Lines {
				switch ln.Op {
				case gitdiff.OpContext, gitdiff.OpDelete:
					lines[base] = strings.TrimSuffix(ln.Line, "\n")
					base++
				}
			}
		}
		return lines, nil
	}
	return nil, fmt.Errorf("fileinfo: %s not present in diff", headPath)
}

// SortedLines returns the keys of a line map in ascending order, a helper
// for deterministic reconstruction and tests.
func SortedLines(m map[int]string) []int {
	out := make([]int, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
