package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/licensetool/internal/events"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/sidecar"
)

// SidecarCmd groups the helper server commands.
type SidecarCmd struct {
	Install SidecarInstallCmd `cmd:"" help:"Stage the helper server and install its Python requirements"`
	Start   SidecarStartCmd   `cmd:"" help:"Run the helper server in the foreground until interrupted"`
}

// SidecarInstallCmd implements 'sidecar install'.
type SidecarInstallCmd struct{}

func (s *SidecarInstallCmd) Run(g *Global, root *CLI) error {
	sess, err := root.load(g)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o := sess.orchestrator()
	defer o.Dispose(context.Background())

	if err := o.InstallSidecarDependencies(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(os.Stdout, "sidecar dependencies installed")
	return nil
}

// SidecarStartCmd implements 'sidecar start'.
type SidecarStartCmd struct{}

func (s *SidecarStartCmd) Run(g *Global, root *CLI) error {
	sess, err := root.load(g)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	o := sess.orchestrator()
	defer o.Dispose(context.Background())

	transitions, unsubscribe := events.Subscribe[events.SidecarStateChanged](o.Bus(), 16)
	defer unsubscribe()

	o.EnsureSidecarRunning(ctx)
	return followSidecar(ctx, os.Stdout, transitions)
}

// followSidecar prints transitions until ctx is done, returning an error if
// the sidecar fails or exits on its own.
func followSidecar(ctx context.Context, w io.Writer, transitions <-chan events.SidecarStateChanged) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-transitions:
			if !ok {
				return nil
			}
			line := fmt.Sprintf("sidecar: %s -> %s", t.From, t.To)
			if t.Reason != "" {
				line += " (" + t.Reason + ")"
			}
			_, _ = fmt.Fprintln(w, line)

			switch sidecar.State(t.To) {
			case sidecar.StateFailed:
				return ferrors.RuntimeError("sidecar failed to start").
					WithContext("reason", t.Reason).
					Build()
			case sidecar.StateStopped:
				return ferrors.RuntimeError("sidecar exited").
					WithContext("reason", t.Reason).
					Build()
			}
		}
	}
}
