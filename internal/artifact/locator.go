// Package artifact resolves the file a finished build tool produced.
package artifact

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/procexec"
)

// Locator turns a process result into the canonical artifact path.
type Locator struct {
	// Marker precedes the artifact path on a line of tool output.
	Marker string
	// Canonical is where the artifact must end up.
	Canonical string
	Logger    *slog.Logger
}

func (l Locator) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Locate checks the exit code, finds the path the tool reported, moves the
// artifact to the canonical path if needed and confirms it exists there.
// A failed move is logged only; the canonical path decides the outcome.
func (l Locator) Locate(res procexec.Result) (string, error) {
	if res.ExitCode != 0 {
		return "", ferrors.ExternalToolError(fmt.Sprintf("build tool exited with code %d", res.ExitCode)).
			WithContext(ferrors.ContextExitCode, res.ExitCode).
			WithContext(ferrors.ContextOutput, res.Output).
			Build()
	}

	if reported := ReportedPath(res.Output, l.Marker); reported != "" && !samePath(reported, l.Canonical) {
		if err := Relocate(reported, l.Canonical); err != nil {
			msg := "Could not move reported artifact, checking canonical path"
			if errors.Is(err, os.ErrNotExist) {
				msg = "Reported artifact is missing, checking canonical path"
			}
			l.logger().Warn(msg, logfields.Path(reported), logfields.Error(err))
		} else {
			l.logger().Info("Moved artifact to canonical path",
				logfields.Path(l.Canonical))
		}
	}

	if info, err := os.Stat(l.Canonical); err == nil && !info.IsDir() {
		return l.Canonical, nil
	}
	return "", ferrors.ArtifactError("artifact not found after successful build").
		WithContext(ferrors.ContextPath, l.Canonical).
		WithContext(ferrors.ContextOutput, res.Output).
		Build()
}

// ReportedPath returns the path following the last occurrence of marker in
// output, or "" when the tool never reported one.
func ReportedPath(output, marker string) string {
	if marker == "" {
		return ""
	}
	var reported string
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		idx := strings.LastIndex(line, marker)
		if idx < 0 {
			continue
		}
		if p := strings.TrimSpace(line[idx+len(marker):]); p != "" {
			reported = p
		}
	}
	return reported
}

// Relocate moves src to dst, creating parent directories and replacing any
// existing dst. A src equal to dst is a no-op.
func Relocate(src, dst string) error {
	if samePath(src, dst) {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "artifact source not accessible").
			WithContext(ferrors.ContextPath, src).
			Build()
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "cannot create artifact directory").
			WithContext(ferrors.ContextPath, filepath.Dir(dst)).
			Build()
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "cannot move artifact").
			WithContext(ferrors.ContextPath, dst).
			Build()
	}
	if err := copyFile(src, dst); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "cannot copy artifact across devices").
			WithContext(ferrors.ContextPath, dst).
			Build()
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && filepath.Clean(ca) == filepath.Clean(cb)
}
