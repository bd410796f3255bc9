// Package project locates the Maven project licensetool works on.
package project

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
)

// DefaultModel is the sidecar model used when none is selected.
const DefaultModel = "gpt-4o"

// RootFunc returns the project root, or "" when it is not known.
type RootFunc func() string

// ModelFunc returns the selected sidecar model, or "" for the default.
type ModelFunc func() string

// StaticRoot returns a RootFunc that always reports dir.
func StaticRoot(dir string) RootFunc {
	return func() string { return dir }
}

// StaticModel returns a ModelFunc that always reports model.
func StaticModel(model string) ModelFunc {
	return func() string { return model }
}

// Model resolves fn, falling back to DefaultModel.
func Model(fn ModelFunc) string {
	if fn != nil {
		if m := strings.TrimSpace(fn()); m != "" {
			return m
		}
	}
	return DefaultModel
}

// DetectRoot returns the root of the git worktree containing dir, or dir
// itself (made absolute) when it is not inside a repository.
func DetectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return abs, nil
		}
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no worktree to hold a pom.xml.
		return abs, nil
	}
	return wt.Filesystem.Root(), nil
}

// Revision returns the abbreviated HEAD commit of the repository at root, or
// "" when root is not a repository or has no commits.
func Revision(root string) string {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	h := head.Hash().String()
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}

var skipDirs = map[string]bool{
	".git":          true,
	".license-tool": true,
	"target":        true,
	"node_modules":  true,
	".idea":         true,
}

// FindPOMs lists pom.xml files below root in lexical order, skipping VCS,
// build output and tool state directories.
func FindPOMs(root string) ([]string, error) {
	var poms []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root && errors.Is(err, fs.ErrPermission) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == "pom.xml" {
			poms = append(poms, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(poms)
	return poms, nil
}

// RootPOM returns root/pom.xml when it exists.
func RootPOM(root string) (string, bool) {
	p := filepath.Join(root, "pom.xml")
	info, err := os.Stat(p)
	return p, err == nil && !info.IsDir()
}
