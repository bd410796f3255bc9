package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/licensetool/internal/logfields"
)

// SbomCmd implements the 'sbom' command.
type SbomCmd struct {
	POM string `arg:"" optional:"" name:"pom" help:"pom.xml to generate for (defaults to the project root pom.xml)"`
}

func (s *SbomCmd) Run(g *Global, root *CLI) error {
	sess, err := root.load(g)
	if err != nil {
		return err
	}
	pom, err := sess.pom(s.POM)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o := sess.orchestrator()
	defer o.Dispose(context.Background())

	start := time.Now()
	path, err := o.GenerateManifest(ctx, pom).Wait(ctx)
	if err != nil {
		return err
	}
	sess.logger.Info("Manifest generated", logfields.Path(path),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	_, _ = fmt.Fprintln(os.Stdout, path)
	return nil
}
