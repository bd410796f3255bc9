package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/orchestrator"
)

// StatusCmd implements the 'status' command.
type StatusCmd struct {
	Addr    string        `help:"Daemon address (defaults to daemon.http_addr)"`
	Timeout time.Duration `help:"Request timeout" default:"5s"`
}

func (s *StatusCmd) Run(g *Global, root *CLI) error {
	addr := s.Addr
	if addr == "" {
		sess, err := root.load(g)
		if err != nil {
			return err
		}
		addr = sess.cfg.Daemon.HTTPAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	st, err := fetchStatus(ctx, http.DefaultClient, addr)
	if err != nil {
		return err
	}
	printStatus(os.Stdout, st)
	return nil
}

func fetchStatus(ctx context.Context, client *http.Client, addr string) (orchestrator.Status, error) {
	var st orchestrator.Status
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return st, ferrors.ValidationError("invalid daemon address").WithCause(err).Build()
	}
	resp, err := client.Do(req)
	if err != nil {
		return st, ferrors.WrapError(err, ferrors.CategoryNetwork, "daemon is not reachable").
			WithContext("addr", addr).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return st, ferrors.DaemonError(fmt.Sprintf("daemon returned %s", resp.Status)).
			WithContext(ferrors.ContextOutput, string(body)).
			Build()
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, ferrors.WrapError(err, ferrors.CategoryDaemon, "invalid status response").Build()
	}
	return st, nil
}

func printStatus(w io.Writer, st orchestrator.Status) {
	_, _ = fmt.Fprintf(w, "Project:  %s\n", st.ProjectRoot)
	_, _ = fmt.Fprintf(w, "Sidecar:  %s", st.Sidecar.State)
	if st.Sidecar.PID != 0 {
		_, _ = fmt.Fprintf(w, " (pid %d)", st.Sidecar.PID)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Queue:    %d waiting\n", st.QueueLength)
	if st.ActiveJob != nil {
		_, _ = fmt.Fprintf(w, "Active:   %s (%s)\n", st.ActiveJob.Name, st.ActiveJob.ID)
	}
	for _, key := range st.InFlight {
		_, _ = fmt.Fprintf(w, "In flight: %s\n", key)
	}
	for _, job := range st.Recent {
		line := fmt.Sprintf("Recent:   %s %s", job.Name, job.Status)
		if job.Error != "" {
			line += ": " + job.Error
		}
		_, _ = fmt.Fprintln(w, line)
	}
}
