package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/resolver"
	"github.com/mixos-go/shed/pkg/shed"
)

const maxUploadSize = 64 << 20

func (s *Server) setupShedRoutes(api *mux.Router) {
	r := api.PathPrefix("/repositories").Subrouter()

	r.HandleFunc("", s.handleListRepositories).Methods(http.MethodGet)
	r.HandleFunc("", s.handleCreateRepository).Methods(http.MethodPost)
	r.HandleFunc("/get_ordered_installable_revisions", s.handleInstallableRevisions).Methods(http.MethodGet)
	r.HandleFunc("/get_repository_revision_install_info", s.handleInstallInfo).Methods(http.MethodGet)
	r.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodGet)
	r.HandleFunc("/reset_metadata_on_repository", s.handleResetMetadata).Methods(http.MethodPost)
	r.HandleFunc("/reset_metadata_on_repositories", s.handleResetMetadataOnRepositories).Methods(http.MethodPost)
	r.HandleFunc("/{id}", s.handleGetRepository).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.handleDeleteRepository).Methods(http.MethodDelete)
	r.HandleFunc("/{id}/undelete", s.handleUndeleteRepository).Methods(http.MethodPost)
	r.HandleFunc("/{id}/changeset_revision", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/{id}/delete_files", s.handleDeleteFiles).Methods(http.MethodPost)
	r.HandleFunc("/{id}/metadata", s.handleMetadata).Methods(http.MethodGet)
	r.HandleFunc("/{id}/changesets", s.handleChangesets).Methods(http.MethodGet)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repos, err := s.shed.Repositories(stringParam(p, "owner"), boolParam(p, "deleted", false))
	if err != nil {
		writeError(w, err)
		return
	}
	if repos == nil {
		repos = []*shed.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.shed.CreateRepository(user(r), shed.CreateRequest{
		Name:        stringParam(p, "name"),
		Synopsis:    stringParam(p, "synopsis"),
		Description: stringParam(p, "description"),
		Type:        stringParam(p, "type"),
		CategoryIDs: stringsParam(p, "category_ids"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.shed.Repository(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.shed.Delete(user(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleUndeleteRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.shed.Undelete(user(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// handleUpload accepts a multipart form with a "file" part, or a raw body
// named by the filename query parameter.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req shed.UploadRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			writeError(w, errs.Invalidf("Malformed upload: %v", err))
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeError(w, errs.Invalidf("Missing required parameter 'file'."))
			return
		}
		defer f.Close()
		req.Filename = hdr.Filename
		if name := r.FormValue("filename"); name != "" {
			req.Filename = name
		}
		req.CommitMessage = r.FormValue("commit_message")
		req.Content, err = io.ReadAll(io.LimitReader(f, maxUploadSize))
		if err != nil {
			writeError(w, errs.Internal("failed to read upload", err))
			return
		}
	} else {
		q := r.URL.Query()
		req.Filename = q.Get("filename")
		req.CommitMessage = q.Get("commit_message")
		if req.Filename == "" {
			writeError(w, errs.Invalidf("Missing required parameter 'filename'."))
			return
		}
		var err error
		req.Content, err = io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
		if err != nil {
			writeError(w, errs.Internal("failed to read upload", err))
			return
		}
	}

	res, err := s.shed.Upload(user(r), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteFiles(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	paths := stringsParam(p, "paths")
	if len(paths) == 0 {
		writeError(w, errs.Invalidf("Missing required parameter 'paths'."))
		return
	}
	res, err := s.shed.DeleteFiles(user(r), mux.Vars(r)["id"], paths, stringParam(p, "commit_message"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	md, err := s.shed.Metadata(mux.Vars(r)["id"], boolParam(p, "downloadable_only", true))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleChangesets(w http.ResponseWriter, r *http.Request) {
	changesets, err := s.shed.Changesets(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changesets)
}

// ownerAndName reads the required owner and name parameters.
func ownerAndName(p map[string]interface{}) (string, string, error) {
	owner, name := stringParam(p, "owner"), stringParam(p, "name")
	if owner == "" || name == "" {
		return "", "", errs.Invalidf("Missing required parameters 'owner' and 'name'.")
	}
	return owner, name, nil
}

func (s *Server) handleInstallableRevisions(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	owner, name, err := ownerAndName(p)
	if err != nil {
		writeError(w, err)
		return
	}
	revs, err := s.shed.OrderedInstallableRevisions(owner, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

func (s *Server) handleInstallInfo(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	owner, name, err := ownerAndName(p)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.shed.InstallInfo(owner, name, stringParam(p, "changeset_revision"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleResolve returns the resolution and a fresh-install plan, or the
// dependency graph in DOT format with format=dot.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	owner, name, err := ownerAndName(p)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.shed.Resolve(owner, name, stringParam(p, "changeset_revision"))
	if err != nil {
		writeError(w, err)
		return
	}

	if stringParam(p, "format") == "dot" {
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		if err := res.WriteDOT(w); err != nil {
			writeError(w, errs.Internal("failed to render graph", err))
		}
		return
	}

	plan, err := resolver.NewPlan(res, nil)
	if err != nil {
		writeError(w, errs.Internal("failed to plan installation", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resolution": res,
		"plan":       plan,
	})
}

func (s *Server) handleResetMetadata(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := stringParam(p, "repository_id")
	if id == "" {
		writeError(w, errs.Invalidf("Missing required parameter 'repository_id'."))
		return
	}
	res, err := s.shed.ResetMetadata(user(r), id, boolParam(p, "dry_run", false), boolParam(p, "verbose", false))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResetMetadataOnRepositories(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.shed.ResetMetadataOnRepositories(user(r), stringsParam(p, "repository_ids"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	w.Header().Set("Content-Type", "application/gzip")
	if err := s.shed.Archive(w, vars["owner"], vars["name"], vars["changeset"]); err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, err)
	}
}
