package server

import (
	"io"
	"net/http"
	"net/url"
	"strconv"

	"snowbird/pkg/apperr"
	"snowbird/pkg/dweb"
	"snowbird/pkg/types"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.instrument)
	r.Use(s.recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/memberships", s.handleJoinMembership)

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.handleListGroups)
			r.Post("/", s.handleCreateGroup)
			r.Post("/join_from_url", s.handleJoinFromURL)

			r.Route("/{group_id}", func(r chi.Router) {
				r.Get("/", s.handleGetGroup)
				r.Delete("/", s.handleDeleteGroup)
				r.Post("/refresh", s.handleRefresh)

				r.Get("/repos", s.handleListRepos)
				r.Post("/repos", s.handleCreateRepo)
				r.Route("/repos/{repo_id}", func(r chi.Router) {
					r.Get("/", s.handleGetRepo)
					r.Get("/media", s.handleListMedia)
					r.Get("/media/{file_name}", s.handleDownload)
					r.Post("/media/{file_name}", s.handleUpload)
					r.Delete("/media/{file_name}", s.handleDeleteMedia)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, apperr.New(apperr.NotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error:   "method_not_allowed",
			Message: r.Method + " not allowed on " + r.URL.Path,
		})
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	current, since := s.handle.Status().Current()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "running",
		"version":        Version,
		"service_status": current,
		"since":          since,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":   "ok",
		"backend":  s.handle.State().String(),
		"attached": s.handle.Attached(),
	}
	if err := s.handle.StartError(); err != nil {
		resp["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) backend(w http.ResponseWriter, r *http.Request) (dweb.Backend, bool) {
	b, err := s.handle.Get()
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return b, true
}

func (s *Server) group(w http.ResponseWriter, r *http.Request) (dweb.Group, bool) {
	key, err := types.ParseKey(chi.URLParam(r, "group_id"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	b, ok := s.backend(w, r)
	if !ok {
		return nil, false
	}
	g, err := b.Group(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return g, true
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	groups, err := b.Groups(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	infos := make([]types.GroupInfo, 0, len(groups))
	for _, g := range groups {
		infos = append(infos, dweb.GroupInfo(r.Context(), g))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"groups": infos})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	g, err := b.CreateGroup(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"group": dweb.GroupInfo(r.Context(), g)})
}

func (s *Server) handleJoinFromURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
		URI string `json:"uri"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.join(w, r, firstNonEmpty(req.URL, req.URI))
}

// handleJoinMembership is the older spelling of join_from_url.
func (s *Server) handleJoinMembership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupURL string `json:"group_url"`
		URI      string `json:"uri"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.join(w, r, firstNonEmpty(req.GroupURL, req.URI))
}

func (s *Server) join(w http.ResponseWriter, r *http.Request, shareURL string) {
	if shareURL == "" {
		s.writeError(w, r, apperr.New(apperr.InvalidArgument, "url is required"))
		return
	}
	g, err := s.handle.JoinFromURL(r.Context(), shareURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"group": dweb.GroupInfo(r.Context(), g)})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.group(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, dweb.GroupInfo(r.Context(), g))
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.group(w, r)
	if !ok {
		return
	}
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	if err := b.CloseGroup(r.Context(), g.ID()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": types.StatusSuccess})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tracker := s.handle.Status()
	tracker.BeginProcessing()
	defer tracker.EndProcessing()

	report, err := s.engine.Refresh(r.Context(), chi.URLParam(r, "group_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	g, ok := s.group(w, r)
	if !ok {
		return
	}
	repos, err := g.Repos(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	infos := make([]types.RepoInfo, 0, len(repos))
	for _, repo := range repos {
		infos = append(infos, dweb.RepoInfo(r.Context(), repo))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"repos": infos})
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, ok := s.group(w, r)
	if !ok {
		return
	}
	repo, err := g.CreateRepo(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"repo": dweb.RepoInfo(r.Context(), repo)})
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	g, ok := s.group(w, r)
	if !ok {
		return
	}
	key, err := types.ParseKey(chi.URLParam(r, "repo_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	repo, err := g.Repo(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"repo": dweb.RepoInfo(r.Context(), repo)})
}

func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	files, err := s.media.List(r.Context(), chi.URLParam(r, "group_id"), chi.URLParam(r, "repo_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rc, size, err := s.media.Download(r.Context(),
		chi.URLParam(r, "group_id"), chi.URLParam(r, "repo_id"), fileName(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("Download interrupted",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.InvalidArgument, err, "failed to read upload"))
		return
	}

	h, err := s.media.Upload(r.Context(),
		chi.URLParam(r, "group_id"), chi.URLParam(r, "repo_id"), fileName(r), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"updated_collection_hash": h.String()})
}

func (s *Server) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	h, err := s.media.Delete(r.Context(),
		chi.URLParam(r, "group_id"), chi.URLParam(r, "repo_id"), fileName(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"updated_collection_hash": h.String()})
}

// fileName returns the decoded {file_name} parameter. chi matches against
// the escaped path when the URL has one.
func fileName(r *http.Request) string {
	name := chi.URLParam(r, "file_name")
	if r.URL.RawPath == "" {
		return name
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
