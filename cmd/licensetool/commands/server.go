package commands

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"git.home.luguber.info/inful/licensetool/internal/eventstore"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/metrics"
	"git.home.luguber.info/inful/licensetool/internal/orchestrator"
	"git.home.luguber.info/inful/licensetool/internal/project"
	prom "github.com/prometheus/client_golang/prometheus"
)

// manifestRequest is the optional body of POST /manifest.
type manifestRequest struct {
	// POM is relative to the project root unless absolute.
	POM string `json:"pom"`
}

type manifestResponse struct {
	Path string `json:"path"`
}

// controlServer serves the daemon's status and control endpoints.
type controlServer struct {
	o       *orchestrator.Orchestrator
	history *eventstore.ManifestHistoryProjection
	errs    *ferrors.HTTPErrorAdapter
}

// newHandler builds the daemon mux. history and reg may be nil.
func newHandler(o *orchestrator.Orchestrator, history *eventstore.ManifestHistoryProjection, reg *prom.Registry, logger *slog.Logger) http.Handler {
	s := &controlServer{o: o, history: history, errs: ferrors.NewHTTPErrorAdapter(logger)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /manifest", s.handleManifest)
	mux.HandleFunc("GET /history", s.handleHistory)
	if reg != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(reg))
	}
	return mux
}

func (s *controlServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.o.Status())
}

// handleManifest generates the manifest and responds once it is written.
// Concurrent requests for the same POM share one generation.
func (s *controlServer) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req manifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errs.WriteErrorResponse(w, r, ferrors.ValidationError("invalid request body").WithCause(err).Build())
		return
	}

	root := s.o.ProjectRoot()
	pom := req.POM
	switch {
	case pom == "":
		p, ok := project.RootPOM(root)
		if !ok {
			s.errs.WriteErrorResponse(w, r, ferrors.PreconditionError("no pom.xml in project root").
				WithContext(ferrors.ContextPath, root).
				Build())
			return
		}
		pom = p
	case !filepath.IsAbs(pom):
		pom = filepath.Join(root, pom)
	}

	path, err := s.o.GenerateManifest(r.Context(), pom).Wait(r.Context())
	if err != nil {
		s.errs.WriteErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, manifestResponse{Path: path})
}

func (s *controlServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errs.WriteErrorResponse(w, r, ferrors.NotFoundError("event history is disabled").Build())
		return
	}
	writeJSON(w, http.StatusOK, s.history.Summaries())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
