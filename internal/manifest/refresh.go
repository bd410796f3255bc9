package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
)

// GenerateFunc produces the manifest and returns its path. The orchestrator
// passes its deduplicated, queued generation here.
type GenerateFunc func(ctx context.Context) (string, error)

// Refresh keeps the current manifest as the previous one, regenerates it
// through generate and returns what changed. Without a previous manifest
// every component counts as added. The change is also written next to the
// manifest as dependency-diff.json.
func (g *Generator) Refresh(ctx context.Context, projectDir string, generate GenerateFunc) (*Change, error) {
	current := g.CanonicalPath(projectDir)
	previous := g.PreviousPath(projectDir)

	hasPrev := false
	if err := copyFile(current, previous); err == nil {
		hasPrev = true
		g.logger.Info("Backed up previous manifest", logfields.Path(previous))
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "cannot back up manifest").
			WithContext(ferrors.ContextPath, previous).
			Build()
	}

	path, err := generate(ctx)
	if err != nil {
		return nil, err
	}

	curr, err := ReadBOM(path)
	if err != nil {
		return nil, err
	}
	var prev *BOM
	if hasPrev {
		if prev, err = ReadBOM(previous); err != nil {
			return nil, err
		}
	}

	change := Diff(prev, curr)
	if err := writeChange(filepath.Join(g.OutputDir(projectDir), DiffFileName), change); err != nil {
		g.logger.Warn("Could not write dependency diff", logfields.Error(err))
	}
	g.logger.Info("Dependency changes computed",
		"added", len(change.Added),
		"removed", len(change.Removed))
	return change, nil
}

func writeChange(path string, change *Change) error {
	data, err := json.MarshalIndent(change, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
