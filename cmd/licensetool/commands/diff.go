package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/manifest"
	"git.home.luguber.info/inful/licensetool/internal/orchestrator"
	"git.home.luguber.info/inful/licensetool/internal/project"
	"git.home.luguber.info/inful/licensetool/internal/report"
)

// DiffCmd implements the 'diff' command.
type DiffCmd struct {
	POM      string `arg:"" optional:"" name:"pom" help:"pom.xml to generate for (defaults to the project root pom.xml)"`
	NoReport bool   `help:"Do not write the Markdown and HTML dependency report"`
}

func (d *DiffCmd) Run(g *Global, root *CLI) error {
	sess, err := root.load(g)
	if err != nil {
		return err
	}
	pom, err := sess.pom(d.POM)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o := sess.orchestrator()
	defer o.Dispose(context.Background())

	r := &refresher{sess: sess, o: o, pom: pom, report: sess.cfg.Manifest.Report && !d.NoReport}
	change, err := r.refresh(ctx)
	if err != nil {
		return err
	}
	printChange(os.Stdout, change)
	return nil
}

// refresher regenerates the manifest, diffs it against the previous one and
// optionally writes a report. Refreshes are serialized so the backup of the
// previous manifest is never taken mid-generation.
type refresher struct {
	sess   *session
	o      *orchestrator.Orchestrator
	pom    string
	report bool

	mu sync.Mutex
}

// refresh returns a nil change when there is no pom.xml to generate for.
func (r *refresher) refresh(ctx context.Context) (*manifest.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pom := r.pom
	if pom == "" {
		p, ok := project.RootPOM(r.sess.root)
		if !ok {
			r.sess.logger.Debug("No root pom.xml, skipping refresh", logfields.Path(r.sess.root))
			return nil, nil
		}
		pom = p
	}

	change, err := r.o.RefreshManifest(ctx, pom)
	if err != nil {
		return nil, err
	}
	if change.Empty() {
		r.sess.logger.Info("Dependencies unchanged", logfields.Path(pom))
		return change, nil
	}
	r.sess.logger.Info("Dependencies changed", logfields.Path(pom),
		"added", len(change.Added), "removed", len(change.Removed))

	if r.report {
		mdPath, err := r.writeReport(change)
		if err != nil {
			return change, err
		}
		r.sess.logger.Info("Dependency report written", logfields.Path(mdPath))
	}
	return change, nil
}

func (r *refresher) writeReport(change *manifest.Change) (string, error) {
	gen := r.o.Generator()
	bom, err := manifest.ReadBOM(gen.CanonicalPath(r.sess.root))
	if err != nil {
		return "", err
	}
	rep := report.Report{
		Project:        filepath.Base(r.sess.root),
		Revision:       project.Revision(r.sess.root),
		GeneratedAt:    time.Now(),
		Change:         change,
		BOM:            bom,
		ProjectLicense: r.sess.cfg.Project.License,
	}
	if rep.ProjectLicense != "" {
		matrix, err := r.sess.licenseMatrix()
		if err != nil {
			return "", err
		}
		rep.Conflicts = report.Conflicts(matrix, rep.ProjectLicense, change.Added)
		if len(rep.Conflicts) > 0 {
			r.sess.logger.Warn("Added dependencies may conflict with the project license",
				"license", rep.ProjectLicense, "conflicts", len(rep.Conflicts))
		}
	}
	mdPath, _, err := report.Write(gen.OutputDir(r.sess.root), rep)
	return mdPath, err
}

func printChange(w io.Writer, change *manifest.Change) {
	if change.Empty() {
		_, _ = fmt.Fprintln(w, "No dependency changes")
		return
	}
	for _, c := range change.Added {
		_, _ = fmt.Fprintf(w, "+ %s\n", c.Key())
	}
	for _, c := range change.Removed {
		_, _ = fmt.Fprintf(w, "- %s\n", c.Key())
	}
	_, _ = fmt.Fprintf(w, "%d added, %d removed\n", len(change.Added), len(change.Removed))
}
