package sidecar

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

// stageRuntime copies the sidecar sources into a fresh temporary directory
// and makes the entry script executable.
func stageRuntime(sourceDir, entryScript string) (string, error) {
	if sourceDir == "" {
		return "", ferrors.ConfigError("sidecar source directory is not configured").Build()
	}
	if _, err := os.Stat(filepath.Join(sourceDir, entryScript)); err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryConfig, "sidecar entry script not found").
			WithContext(ferrors.ContextPath, filepath.Join(sourceDir, entryScript)).
			Build()
	}

	workDir, err := os.MkdirTemp("", "sidecar_")
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryFileSystem, "cannot create sidecar work directory").Build()
	}
	if err := copyTree(sourceDir, workDir); err != nil {
		_ = os.RemoveAll(workDir)
		return "", ferrors.WrapError(err, ferrors.CategoryFileSystem, "cannot stage sidecar runtime").
			WithContext(ferrors.ContextPath, sourceDir).
			Build()
	}
	if runtime.GOOS != "windows" {
		_ = os.Chmod(filepath.Join(workDir, entryScript), 0o755)
	}
	return workDir, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if d.Name() == "__pycache__" {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyRegular(path, target)
	})
}

func copyRegular(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
