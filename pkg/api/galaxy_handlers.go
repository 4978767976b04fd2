package api

import (
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/manager"
)

func (s *Server) setupGalaxyRoutes(api *mux.Router) {
	r := api.PathPrefix("/tool_shed_repositories").Subrouter()
	r.Use(s.requireAdmin)

	r.HandleFunc("", s.handleListInstalled).Methods(http.MethodGet)
	r.HandleFunc("/new/install_repository_revision", s.handleInstall).Methods(http.MethodPost)
	r.HandleFunc("/reset_metadata_on_repositories", s.handleResetInstalledMetadataOnRepositories).Methods(http.MethodPost)
	r.HandleFunc("/check_for_updates", s.handleUpdates).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.handleGetInstalled).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.handleUninstall).Methods(http.MethodDelete)
	r.HandleFunc("/{id}/reactivate", s.handleReactivate).Methods(http.MethodPost)
	r.HandleFunc("/{id}/reset_metadata", s.handleResetInstalledMetadata).Methods(http.MethodPost)
	r.HandleFunc("/{id}/check_for_updates", s.handleCheckForUpdates).Methods(http.MethodGet)
}

// requireAdmin guards the Galaxy side: only administrators manage
// installed repositories.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.IsAdmin(user(r)) {
			writeError(w, errs.Forbiddenf("You are not authorized to manage tool shed repositories."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListInstalled(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repos, err := s.manager.List(boolParam(p, "uninstalled", false))
	if err != nil {
		writeError(w, err)
		return
	}
	if repos == nil {
		repos = []*manager.InstalledRepository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

// handleInstall answers {"status": "ok"} when everything is installed
// already, otherwise the repositories being installed. Clients poll them
// until they reach Installed or Error.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req := manager.InstallRequest{
		ToolShedURL:                   stringParam(p, "tool_shed_url"),
		Name:                          stringParam(p, "name"),
		Owner:                         stringParam(p, "owner"),
		ChangesetRevision:             stringParam(p, "changeset_revision"),
		InstallToolDependencies:       boolParam(p, "install_tool_dependencies", false),
		InstallRepositoryDependencies: boolParam(p, "install_repository_dependencies", false),
		NewToolPanelSectionLabel:      stringParam(p, "new_tool_panel_section_label"),
	}
	if req.ToolShedURL == "" {
		writeError(w, errs.Invalidf("Missing required parameter 'tool_shed_url'."))
		return
	}

	var prepared *manager.Prepared
	if s.cfg.AsyncInstalls {
		prepared, err = s.manager.Prepare(r.Context(), req)
		if err == nil && prepared.Status == "" {
			s.manager.ExecuteAsync(prepared)
		}
	} else {
		prepared, err = s.manager.Install(r.Context(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if prepared.Status == "ok" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Repository is already installed."})
		return
	}
	log.Infof("installing %d repositories for %s/%s", len(prepared.Repositories), req.Owner, req.Name)

	status := http.StatusOK
	if s.cfg.AsyncInstalls {
		status = http.StatusAccepted
	}
	writeJSON(w, status, prepared.Repositories)
}

func (s *Server) handleGetInstalled(w http.ResponseWriter, r *http.Request) {
	view, err := s.manager.View(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.manager.Remove(mux.Vars(r)["id"], boolParam(p, "remove_from_disk", false))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	repo, err := s.manager.Reactivate(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleResetInstalledMetadata(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.manager.ResetMetadata(r.Context(), mux.Vars(r)["id"], boolParam(p, "dry_run", false))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResetInstalledMetadataOnRepositories(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.manager.ResetMetadataOnRepositories(r.Context(), stringsParam(p, "repository_ids"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckForUpdates(w http.ResponseWriter, r *http.Request) {
	u, err := s.manager.CheckForUpdates(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := s.manager.Updates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if updates == nil {
		updates = []*manager.UpdateInfo{}
	}
	writeJSON(w, http.StatusOK, updates)
}
