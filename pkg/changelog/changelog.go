// Package changelog is the version control layer behind every Tool Shed
// repository. Each repository is a linear git history; a changeset revision
// is the 12 character abbreviation of a commit hash and its position in the
// history is its sequence number.
package changelog

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	log "github.com/sirupsen/logrus"

	"github.com/mixos-go/shed/pkg/errs"
)

const revisionLen = 12

// ErrNoChanges is returned by Commit when the worktree would not change.
var ErrNoChanges = errors.New("no changes to repository")

// Changeset is one entry of a repository's changelog.
type Changeset struct {
	Revision string    `json:"changeset_revision"`
	Hash     string    `json:"hash"`
	Seq      int       `json:"numeric_revision"`
	Message  string    `json:"message"`
	Author   string    `json:"author"`
	Time     time.Time `json:"time"`
}

// Commit describes one content-changing event.
type Commit struct {
	Files   map[string][]byte
	Remove  []string
	Message string
	Author  string
}

// Changelog is what the shed needs from a version control system.
type Changelog interface {
	Init(repo string) error
	Commit(repo string, c Commit) (Changeset, error)
	Tip(repo string) (Changeset, error)
	Log(repo string) ([]Changeset, error)
	Files(repo string, revision string) (map[string][]byte, error)
}

// Git stores repositories either below a directory on disk or, when the
// directory is empty, in memory.
type Git struct {
	mu    sync.Mutex
	dir   string
	repos map[string]*git.Repository
}

func NewGit(dir string) *Git {
	return &Git{
		dir:   dir,
		repos: make(map[string]*git.Repository),
	}
}

func (g *Git) Init(repo string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.repos[repo]; ok {
		return nil
	}

	var r *git.Repository
	var err error
	if g.dir == "" {
		r, err = git.Init(memory.NewStorage(), memfs.New())
	} else {
		p := filepath.Join(g.dir, filepath.FromSlash(repo))
		if err := os.MkdirAll(p, 0755); err != nil {
			return err
		}
		r, err = git.PlainInit(p, false)
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			r, err = git.PlainOpen(p)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to initialize changelog for %s: %w", repo, err)
	}

	g.repos[repo] = r
	return nil
}

func (g *Git) open(repo string) (*git.Repository, error) {
	if r, ok := g.repos[repo]; ok {
		return r, nil
	}
	if g.dir == "" {
		return nil, errs.NotFoundf("no changelog for repository %s", repo)
	}

	r, err := git.PlainOpen(filepath.Join(g.dir, filepath.FromSlash(repo)))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, errs.NotFoundf("no changelog for repository %s", repo)
		}
		return nil, err
	}
	g.repos[repo] = r
	return r, nil
}

func (g *Git) Commit(repo string, c Commit) (Changeset, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return Changeset{}, err
	}

	w, err := r.Worktree()
	if err != nil {
		return Changeset{}, fmt.Errorf("failed to get worktree: %w", err)
	}

	files, removals, err := validateCommit(r, c)
	if err != nil {
		return Changeset{}, err
	}

	cs, err := stage(r, w, repo, c, files, removals)
	if err != nil && !errors.Is(err, ErrNoChanges) {
		if rerr := rollback(r, w, files); rerr != nil {
			log.Errorf("failed to roll back worktree of %s: %v", repo, rerr)
		}
	}
	return cs, err
}

// validateCommit cleans every path of c and checks that each removal
// target exists at HEAD. Nothing is written.
func validateCommit(r *git.Repository, c Commit) (map[string][]byte, []string, error) {
	names := make([]string, 0, len(c.Files))
	for name := range c.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	files := make(map[string][]byte, len(names))
	for _, name := range names {
		clean, err := cleanPath(name)
		if err != nil {
			return nil, nil, err
		}
		files[clean] = c.Files[name]
	}

	if len(c.Remove) == 0 {
		return files, nil, nil
	}

	tree, err := headTree(r)
	if err != nil {
		return nil, nil, err
	}
	removals := make([]string, 0, len(c.Remove))
	for _, name := range c.Remove {
		clean, err := cleanPath(name)
		if err != nil {
			return nil, nil, err
		}
		if tree == nil {
			return nil, nil, errs.NotFoundf("file %s is not in the repository", clean)
		}
		if _, err := tree.File(clean); err != nil {
			return nil, nil, errs.NotFoundf("file %s is not in the repository", clean)
		}
		removals = append(removals, clean)
	}
	return files, removals, nil
}

// headTree returns the tree of HEAD, or nil before the first commit.
func headTree(r *git.Repository) (*object.Tree, error) {
	head, err := r.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	commit, err := r.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}
	return commit.Tree()
}

func stage(r *git.Repository, w *git.Worktree, repo string, c Commit, files map[string][]byte, removals []string) (Changeset, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if dir := path.Dir(name); dir != "." {
			if err := w.Filesystem.MkdirAll(dir, 0755); err != nil {
				return Changeset{}, err
			}
		}
		if err := util.WriteFile(w.Filesystem, name, files[name], 0644); err != nil {
			return Changeset{}, fmt.Errorf("failed to write file %s: %w", name, err)
		}
		if _, err := w.Add(name); err != nil {
			return Changeset{}, fmt.Errorf("failed to add file %s: %w", name, err)
		}
	}

	for _, name := range removals {
		if _, err := w.Remove(name); err != nil {
			return Changeset{}, fmt.Errorf("failed to remove file %s: %w", name, err)
		}
	}

	status, err := w.Status()
	if err != nil {
		return Changeset{}, err
	}
	if status.IsClean() {
		return Changeset{}, ErrNoChanges
	}

	author := c.Author
	if author == "" {
		author = "shed"
	}
	hash, err := w.Commit(c.Message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: author + "@shed",
			When:  time.Now(),
		},
	})
	if err != nil {
		return Changeset{}, fmt.Errorf("failed to commit: %w", err)
	}

	log.Debugf("committed %s to %s", hash.String()[:revisionLen], repo)

	changesets, err := logOf(r)
	if err != nil {
		return Changeset{}, err
	}
	return changesets[len(changesets)-1], nil
}

// rollback restores the worktree and index to HEAD after a failed commit.
// Before the first commit the written files are removed and the index
// emptied.
func rollback(r *git.Repository, w *git.Worktree, written map[string][]byte) error {
	head, err := r.Head()
	if err == nil {
		return w.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset})
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return err
	}

	for name := range written {
		if err := w.Filesystem.Remove(name); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return r.Storer.SetIndex(&index.Index{Version: 2})
}

func (g *Git) Tip(repo string) (Changeset, error) {
	changesets, err := g.Log(repo)
	if err != nil {
		return Changeset{}, err
	}
	if len(changesets) == 0 {
		return Changeset{}, errs.NotFoundf("repository %s has no changesets", repo)
	}
	return changesets[len(changesets)-1], nil
}

// Log returns the changesets of repo, oldest first.
func (g *Git) Log(repo string) ([]Changeset, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return nil, err
	}
	return logOf(r)
}

func logOf(r *git.Repository) ([]Changeset, error) {
	head, err := r.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, err
	}

	iter, err := r.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var changesets []Changeset
	err = iter.ForEach(func(c *object.Commit) error {
		changesets = append(changesets, Changeset{
			Revision: c.Hash.String()[:revisionLen],
			Hash:     c.Hash.String(),
			Message:  strings.TrimSpace(c.Message),
			Author:   c.Author.Name,
			Time:     c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// git walks newest first
	for i, j := 0, len(changesets)-1; i < j; i, j = i+1, j-1 {
		changesets[i], changesets[j] = changesets[j], changesets[i]
	}
	for i := range changesets {
		changesets[i].Seq = i
	}
	return changesets, nil
}

// Files returns the content of every file at revision.
func (g *Git) Files(repo string, revision string) (map[string][]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, err := g.open(repo)
	if err != nil {
		return nil, err
	}

	changesets, err := logOf(r)
	if err != nil {
		return nil, err
	}
	cs, ok := Find(changesets, revision)
	if !ok {
		return nil, errs.NotFoundf("changeset revision %s is not in repository %s", revision, repo)
	}

	commit, err := r.CommitObject(plumbing.NewHash(cs.Hash))
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte)
	err = tree.Files().ForEach(func(f *object.File) error {
		contents, err := f.Contents()
		if err != nil {
			return err
		}
		files[f.Name] = []byte(contents)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Find looks up a changeset by its revision string.
func Find(changesets []Changeset, revision string) (Changeset, bool) {
	if revision == "" {
		return Changeset{}, false
	}
	for _, cs := range changesets {
		if cs.Revision == revision || cs.Hash == revision {
			return cs, true
		}
	}
	return Changeset{}, false
}

// Clone materializes revision of repo into dir.
func Clone(cl Changelog, repo string, revision string, dir string) error {
	files, err := cl.Files(repo, revision)
	if err != nil {
		return err
	}

	for name, data := range files {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func cleanPath(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, ".git/") || clean == ".git" {
		return "", errs.Invalidf("invalid file name %q", name)
	}
	return clean, nil
}
