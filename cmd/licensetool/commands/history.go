package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/licensetool/internal/eventstore"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	Recent int `short:"n" help:"Also list the most recent raw events" default:"0"`
}

func (h *HistoryCmd) Run(g *Global, root *CLI) error {
	sess, err := root.load(g)
	if err != nil {
		return err
	}
	path := sess.cfg.EventStorePath(sess.root)
	if path == "" {
		return ferrors.ConfigError("event history is disabled (events.store_path is empty)").Build()
	}
	if _, err := os.Stat(path); err != nil {
		return ferrors.NotFoundError("no event history recorded yet").
			WithContext(ferrors.ContextPath, path).
			Build()
	}

	store, err := eventstore.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return printHistory(context.Background(), os.Stdout, store, h.Recent)
}

func printHistory(ctx context.Context, w io.Writer, store eventstore.Store, recent int) error {
	proj := eventstore.NewManifestHistoryProjection(store)
	if err := proj.Rebuild(ctx); err != nil {
		return err
	}

	summaries := proj.Summaries()
	if len(summaries) == 0 {
		_, _ = fmt.Fprintln(w, "No manifest generations recorded")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "POM\tSTATUS\tRUNS\tJOINS\tFAILURES\tLAST REQUESTED\tDURATION")
		for _, s := range summaries {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				s.Key, s.Status, s.Runs, s.Joins, s.Failures,
				s.LastRequestedAt.Local().Format(time.DateTime),
				s.LastDuration.Round(time.Millisecond))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if recent <= 0 {
		return nil
	}
	evts, err := store.Recent(ctx, recent)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w)
	for _, e := range evts {
		_, _ = fmt.Fprintf(w, "%s  %-22s %s\n", e.Timestamp().Local().Format(time.DateTime), e.Type(), e.Subject())
	}
	return nil
}
