// Patch application: reconstructing the commits behind a cached
// proposal thread when Git fetches `refs/heads/pr/<slug>`, without ever
// shelling out to `git`. Each patch event's
// content is the same unified-diff text `object.Commit.Patch` produced
// when the patch was generated (package patch), so reversing it only
// needs a minimal unified-diff hunk applier plus hand-built tree/commit
// objects written straight into the repository's object store.
package gitmirror

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

// PatchCommit is everything ApplyMailPatch needs to reconstruct one
// commit from a cached patch event: the parent it applies on top of,
// the mail body (header + unified diff), and the identity/message
// fields already extracted from the event's tags by package patch.
type PatchCommit struct {
	ParentHash string // "" for the repo's very first commit
	AuthorName, AuthorEmail   string
	AuthorWhen                time.Time
	CommitterName, CommitterEmail string
	CommitterWhen             time.Time
	Message                   string
	Body                      string // full mail body, including the unified diff
}

// fileDiff is one `diff --git` section of a patch: the old and new
// paths, whether the file is created or deleted, and its hunks, whose
// lines still carry their leading ' '/'+'/'-' marker.
type fileDiff struct {
	oldPath, newPath string
	newFile, deleted bool
	hunks            []hunk
}

type hunk struct {
	oldStart int
	lines    []string
}

// parseUnifiedDiff extracts the `diff --git a/X b/X` sections from a
// mail body, ignoring the `From/Date/Subject` preamble and commit
// message above the `---` separator.
func parseUnifiedDiff(body string) []fileDiff {
	idx := strings.Index(body, "\n---\n")
	diffText := body
	if idx >= 0 {
		diffText = body[idx+len("\n---\n"):]
	}

	var diffs []fileDiff
	var cur *fileDiff
	var curHunk *hunk

	scanner := bufio.NewScanner(strings.NewReader(diffText))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			if cur != nil {
				if curHunk != nil {
					cur.hunks = append(cur.hunks, *curHunk)
					curHunk = nil
				}
				diffs = append(diffs, *cur)
			}
			fields := strings.Fields(line)
			var a, b string
			if len(fields) >= 4 {
				a = strings.TrimPrefix(fields[2], "a/")
				b = strings.TrimPrefix(fields[3], "b/")
			}
			cur = &fileDiff{oldPath: a, newPath: b}
		case strings.HasPrefix(line, "new file mode"):
			if cur != nil {
				cur.newFile = true
			}
		case strings.HasPrefix(line, "deleted file mode"):
			if cur != nil {
				cur.deleted = true
			}
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			// header already captured from the `diff --git` line.
		case strings.HasPrefix(line, "@@ "):
			if cur == nil {
				continue
			}
			if curHunk != nil {
				cur.hunks = append(cur.hunks, *curHunk)
			}
			curHunk = &hunk{oldStart: parseHunkOldStart(line)}
		case curHunk != nil && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-")):
			curHunk.lines = append(curHunk.lines, line)
		case line == `\ No newline at end of file`:
			// preserved verbatim by the surrounding hunk lines.
		default:
			// blank line or trailer between hunks/files; ignored.
		}
	}
	if cur != nil {
		if curHunk != nil {
			cur.hunks = append(cur.hunks, *curHunk)
		}
		diffs = append(diffs, *cur)
	}
	return diffs
}

// parseHunkOldStart reads the old-file start line number out of a
// `@@ -a,b +c,d @@` header; defaults to 1 on a malformed header.
func parseHunkOldStart(header string) int {
	parts := strings.SplitN(header, " ", 4)
	if len(parts) < 2 {
		return 1
	}
	old := strings.TrimPrefix(parts[1], "-")
	old = strings.SplitN(old, ",", 2)[0]
	n, err := strconv.Atoi(old)
	if err != nil {
		return 1
	}
	return n
}

// applyHunks rewrites old file content into the new content a set of
// unified-diff hunks describes.
func applyHunks(old []byte, hunks []hunk) []byte {
	oldLines := strings.SplitAfter(string(old), "\n")
	if len(oldLines) > 0 && oldLines[len(oldLines)-1] == "" {
		oldLines = oldLines[:len(oldLines)-1]
	}

	var out []string
	cursor := 0 // 0-indexed position in oldLines

	for _, h := range hunks {
		target := h.oldStart - 1
		for cursor < target && cursor < len(oldLines) {
			out = append(out, oldLines[cursor])
			cursor++
		}
		for _, l := range h.lines {
			if len(l) == 0 {
				continue
			}
			switch l[0] {
			case ' ':
				out = append(out, withNewline(l[1:]))
				cursor++
			case '-':
				cursor++
			case '+':
				out = append(out, withNewline(l[1:]))
			}
		}
	}
	for cursor < len(oldLines) {
		out = append(out, oldLines[cursor])
		cursor++
	}
	return []byte(strings.Join(out, ""))
}

func withNewline(s string) string {
	return s + "\n"
}

// ApplyMailPatch reconstructs one commit object from a cached patch
// event's mail body applied on top of parentHash, writes the
// resulting blob/tree/commit objects into the repository's object
// store, and returns the new commit's hash. When the diff is empty
// (a merge-marker or cover-letter slipped through), the parent's tree
// is reused unchanged.
func (r *Repo) ApplyMailPatch(pc PatchCommit) (string, error) {
	var parentTree *object.Tree
	var parents []plumbing.Hash

	if pc.ParentHash != "" {
		parentHash := plumbing.NewHash(pc.ParentHash)
		parentCommit, err := r.CommitObject(parentHash)
		if err != nil {
			return "", errors.Wrapf(err, "load parent commit %s", pc.ParentHash)
		}
		parentTree, err = parentCommit.Tree()
		if err != nil {
			return "", errors.Wrap(err, "load parent tree")
		}
		parents = []plumbing.Hash{parentHash}
	} else {
		parentTree = &object.Tree{}
	}

	diffs := parseUnifiedDiff(pc.Body)
	rootHash := parentTree.Hash
	var err error
	for _, fd := range diffs {
		rootHash, err = r.applyOneFileDiff(rootHash, fd)
		if err != nil {
			return "", errors.Wrapf(err, "apply diff for %s", fd.newPath)
		}
	}

	commit := &object.Commit{
		Author: object.Signature{
			Name: pc.AuthorName, Email: pc.AuthorEmail, When: pc.AuthorWhen,
		},
		Committer: object.Signature{
			Name: pc.CommitterName, Email: pc.CommitterEmail, When: pc.CommitterWhen,
		},
		Message:      pc.Message,
		TreeHash:     rootHash,
		ParentHashes: parents,
	}

	obj := r.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := commit.Encode(obj); err != nil {
		return "", errors.Wrap(err, "encode commit object")
	}
	hash, err := r.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", errors.Wrap(err, "store commit object")
	}
	return hash.String(), nil
}

// applyOneFileDiff writes the new blob for fd and rebuilds every tree
// from the file's directory up to the repository root, returning the
// new root tree hash. treeRoot is the zero hash for a from-scratch
// (first-commit) tree.
func (r *Repo) applyOneFileDiff(treeRoot plumbing.Hash, fd fileDiff) (plumbing.Hash, error) {
	path := fd.newPath
	if path == "" {
		path = fd.oldPath
	}
	if path == "" {
		return treeRoot, nil
	}

	var old []byte
	if !fd.newFile && !treeRoot.IsZero() {
		tree, err := object.GetTree(r.Storer, treeRoot)
		if err == nil {
			if f, ferr := tree.File(fd.oldPath); ferr == nil {
				content, rerr := f.Contents()
				if rerr == nil {
					old = []byte(content)
				}
			}
		}
	}

	if fd.deleted {
		return r.removeTreeEntry(treeRoot, path)
	}

	newContent := applyHunks(old, fd.hunks)
	blobHash, err := r.writeBlob(newContent)
	if err != nil {
		return treeRoot, err
	}
	return r.setTreeEntry(treeRoot, path, blobHash)
}

func (r *Repo) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := r.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "open blob writer")
	}
	if _, err := w.Write(content); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "write blob content")
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "close blob writer")
	}
	return r.Storer.SetEncodedObject(obj)
}

// setTreeEntry rewrites the tree chain from root down to path's parent
// directory so that path resolves to blobHash, recursing one path
// segment at a time and re-encoding every touched tree.
func (r *Repo) setTreeEntry(root plumbing.Hash, path string, blobHash plumbing.Hash) (plumbing.Hash, error) {
	segments := strings.Split(path, "/")
	return r.rewriteTree(root, segments, blobHash, false)
}

func (r *Repo) removeTreeEntry(root plumbing.Hash, path string) (plumbing.Hash, error) {
	segments := strings.Split(path, "/")
	return r.rewriteTree(root, segments, plumbing.ZeroHash, true)
}

func (r *Repo) rewriteTree(root plumbing.Hash, segments []string, blobHash plumbing.Hash, remove bool) (plumbing.Hash, error) {
	var entries []object.TreeEntry
	if !root.IsZero() {
		tree, err := object.GetTree(r.Storer, root)
		if err == nil {
			entries = append(entries, tree.Entries...)
		}
	}

	name := segments[0]
	rest := segments[1:]

	found := -1
	for i, e := range entries {
		if e.Name == name {
			found = i
			break
		}
	}

	if len(rest) == 0 {
		if remove {
			if found >= 0 {
				entries = append(entries[:found], entries[found+1:]...)
			}
		} else {
			entry := object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blobHash}
			if found >= 0 {
				entries[found] = entry
			} else {
				entries = append(entries, entry)
			}
		}
	} else {
		var childRoot plumbing.Hash
		if found >= 0 {
			childRoot = entries[found].Hash
		}
		newChild, err := r.rewriteTree(childRoot, rest, blobHash, remove)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entry := object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: newChild}
		if found >= 0 {
			entries[found] = entry
		} else {
			entries = append(entries, entry)
		}
	}

	return r.encodeTree(entries)
}

func (r *Repo) encodeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	tree := &object.Tree{Entries: entries}
	obj := r.Storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "encode tree object")
	}
	return r.Storer.SetEncodedObject(obj)
}
