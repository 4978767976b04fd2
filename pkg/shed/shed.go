package shed

import (
	"encoding/xml"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mixos-go/shed/pkg/changelog"
	"github.com/mixos-go/shed/pkg/config"
	"github.com/mixos-go/shed/pkg/errs"
)

// Shed serves one tool shed. Writes to repositories are serialized.
type Shed struct {
	mu       sync.Mutex
	db       *Database
	cl       changelog.Changelog
	url      string
	reserved []string
	cfg      *config.Config
}

func New(cfg *config.Config, db *Database, cl changelog.Changelog) (*Shed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Shed{
		db:       db,
		cl:       cl,
		url:      strings.TrimRight(cfg.ShedURL, "/"),
		reserved: cfg.ReservedNames,
		cfg:      cfg,
	}, nil
}

// URL is the base URL of the shed.
func (s *Shed) URL() string {
	return s.url
}

func (s *Shed) Close() error {
	return s.db.Close()
}

// CreateRequest is the body of a create repository call.
type CreateRequest struct {
	Name        string   `json:"name"`
	Synopsis    string   `json:"synopsis"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	CategoryIDs []string `json:"category_ids"`
}

// UploadRequest adds Content as Filename to a repository. A .tar.gz or .tgz
// file is unpacked and its members committed together.
type UploadRequest struct {
	Filename      string `json:"filename"`
	Content       []byte `json:"-"`
	CommitMessage string `json:"commit_message"`
}

// UploadResult describes the changeset created by an upload.
type UploadResult struct {
	Status            string    `json:"status"`
	Message           string    `json:"message"`
	ChangesetRevision string    `json:"changeset_revision"`
	Downloadable      bool      `json:"downloadable"`
	Errors            []string  `json:"errors,omitempty"`
	Metadata          *Metadata `json:"metadata,omitempty"`
}

func requireUser(user string) error {
	if user == "" {
		return errs.Forbiddenf("You must be logged in to perform this action.")
	}
	return nil
}

func (s *Shed) canModify(user string, repo *Repository) error {
	if err := requireUser(user); err != nil {
		return err
	}
	if user != repo.Owner && !s.cfg.IsAdmin(user) {
		return errs.Forbiddenf("You are not the owner of repository %s and you are not an administrator.", repo.Name)
	}
	return nil
}

func (s *Shed) CreateRepository(user string, req CreateRequest) (*Repository, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if err := ValidateOwner(user, s.reserved); err != nil {
		return nil, err
	}
	if err := ValidateRepositoryName(req.Name, s.reserved); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Synopsis) == "" {
		return nil, errs.Invalidf("Missing required parameter 'synopsis'.")
	}

	typ := req.Type
	switch typ {
	case "":
		typ = TypeUnrestricted
	case TypeUnrestricted, TypeToolDependencyDefinition, TypeRepositorySuiteDefinition:
	default:
		return nil, errs.Invalidf("Invalid repository type %q.", typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.GetRepositoryByName(user, req.Name); err == nil {
		return nil, errs.Invalidf("Repository %s owned by %s already exists.", req.Name, user)
	}

	now := time.Now().UTC()
	repo := &Repository{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Owner:       user,
		Type:        typ,
		Synopsis:    req.Synopsis,
		Description: req.Description,
		CategoryIDs: req.CategoryIDs,
		CreateTime:  now,
		UpdateTime:  now,
	}

	if err := s.cl.Init(repo.path()); err != nil {
		return nil, errs.Internal("failed to create repository", err)
	}
	if err := s.db.AddRepository(repo); err != nil {
		return nil, errs.Internal("failed to create repository", err)
	}

	log.WithFields(log.Fields{"owner": repo.Owner, "name": repo.Name}).Info("created repository")
	return repo, nil
}

func (s *Shed) Repository(id string) (*Repository, error) {
	return s.db.GetRepository(id)
}

func (s *Shed) RepositoryByName(owner, name string) (*Repository, error) {
	return s.db.GetRepositoryByName(owner, name)
}

func (s *Shed) Repositories(owner string, includeDeleted bool) ([]*Repository, error) {
	return s.db.ListRepositories(owner, includeDeleted)
}

// Changesets returns the changelog of a repository, oldest first.
func (s *Shed) Changesets(id string) ([]changelog.Changeset, error) {
	repo, err := s.db.GetRepository(id)
	if err != nil {
		return nil, err
	}
	return s.cl.Log(repo.path())
}

// Upload commits a file or an archive to a repository and records the
// metadata of the new changeset.
func (s *Shed) Upload(user, id string, req UploadRequest) (*UploadResult, error) {
	repo, err := s.db.GetRepository(id)
	if err != nil {
		return nil, err
	}
	if err := s.canModify(user, repo); err != nil {
		return nil, err
	}
	if repo.Deleted {
		return nil, errs.Invalidf("Repository %s is deleted.", repo.Name)
	}

	files, err := uploadedFiles(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, data := range files {
		if !isDependencyFile(name) {
			continue
		}
		filled, err := s.fillDependencyAttributes(data)
		if err != nil {
			return nil, errs.Invalidf("%s: %v", name, errs.Message(err))
		}
		files[name] = filled
	}

	message := req.CommitMessage
	if message == "" {
		message = "Uploaded " + path.Base(req.Filename)
	}
	return s.commit(user, repo, changelog.Commit{Files: files, Message: message, Author: user})
}

// DeleteFiles commits the removal of paths from a repository.
func (s *Shed) DeleteFiles(user, id string, paths []string, message string) (*UploadResult, error) {
	repo, err := s.db.GetRepository(id)
	if err != nil {
		return nil, err
	}
	if err := s.canModify(user, repo); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errs.Invalidf("No files selected for deletion.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if message == "" {
		message = "Deleted " + strings.Join(paths, ", ")
	}
	return s.commit(user, repo, changelog.Commit{Remove: paths, Message: message, Author: user})
}

func (s *Shed) commit(user string, repo *Repository, c changelog.Commit) (*UploadResult, error) {
	cs, err := s.cl.Commit(repo.path(), c)
	if err != nil {
		if errors.Is(err, changelog.ErrNoChanges) {
			return nil, ErrNoChanges
		}
		if errs.TypeOf(err) != errs.TypeInternal {
			return nil, err
		}
		return nil, errs.Internal("failed to commit changeset", err)
	}

	files, err := s.cl.Files(repo.path(), cs.Revision)
	if err != nil {
		return nil, errs.Internal("failed to read changeset", err)
	}
	md := s.generateMetadata(repo, files)

	records, err := s.db.RevisionMetadata(repo.ID)
	if err != nil {
		return nil, errs.Internal("failed to load metadata", err)
	}
	records = applyRevisionRule(records, cs, md)
	if err := s.db.ReplaceRevisionMetadata(repo.ID, records); err != nil {
		return nil, errs.Internal("failed to store metadata", err)
	}

	result := &UploadResult{
		Status:            "ok",
		Message:           fmt.Sprintf("The changeset %s was committed to repository %s.", cs.Revision, repo.Name),
		ChangesetRevision: cs.Revision,
		Downloadable:      !md.IsEmpty() && md.Downloadable(),
		Metadata:          md,
	}
	for _, inv := range md.InvalidRepositoryDependencies {
		result.Errors = append(result.Errors, inv.Reason)
	}
	for _, inv := range md.InvalidTools {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", inv.ConfigFile, inv.Reason))
	}

	log.WithFields(log.Fields{
		"owner":              repo.Owner,
		"name":               repo.Name,
		"changeset_revision": cs.Revision,
		"user":               user,
	}).Infof("committed changeset with %d errors", len(result.Errors))
	return result, nil
}

// fillDependencyAttributes sets the toolshed and changeset_revision of
// <repository> elements that leave them blank, to this shed and to the
// target's tip.
func (s *Shed) fillDependencyAttributes(data []byte) ([]byte, error) {
	filled, _, err := rewriteRepositoryElements(data, func(attrs []xml.Attr) ([]xml.Attr, bool) {
		changed := false
		if attrValue(attrs, "toolshed") == "" {
			attrs = setAttr(attrs, "toolshed", s.url)
			changed = true
		}
		if attrValue(attrs, "changeset_revision") == "" {
			target, err := s.db.GetRepositoryByName(attrValue(attrs, "owner"), attrValue(attrs, "name"))
			if err != nil {
				return attrs, changed
			}
			tip, err := s.cl.Tip(target.path())
			if err != nil {
				return attrs, changed
			}
			attrs = setAttr(attrs, "changeset_revision", tip.Revision)
			changed = true
		}
		return attrs, changed
	})
	return filled, err
}

// Delete marks a repository deleted. Its revisions stop being installable.
func (s *Shed) Delete(user, id string) (*Repository, error) {
	return s.setDeleted(user, id, true)
}

func (s *Shed) Undelete(user, id string) (*Repository, error) {
	return s.setDeleted(user, id, false)
}

func (s *Shed) setDeleted(user, id string, deleted bool) (*Repository, error) {
	repo, err := s.db.GetRepository(id)
	if err != nil {
		return nil, err
	}
	if err := s.canModify(user, repo); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.SetDeleted(id, deleted); err != nil {
		return nil, errs.Internal("failed to update repository", err)
	}
	log.WithFields(log.Fields{"owner": repo.Owner, "name": repo.Name}).Infof("set deleted=%t", deleted)
	return s.db.GetRepository(id)
}

// Metadata returns the metadata revisions of a repository keyed by
// "<numeric revision>:<changeset revision>".
func (s *Shed) Metadata(id string, downloadableOnly bool) (map[string]*RevisionMetadata, error) {
	repo, err := s.db.GetRepository(id)
	if err != nil {
		return nil, err
	}
	records, err := s.db.RevisionMetadata(repo.ID)
	if err != nil {
		return nil, err
	}
	if downloadableOnly {
		if repo.Deleted {
			records = nil
		}
		records = downloadable(records)
	}

	out := make(map[string]*RevisionMetadata, len(records))
	for _, rm := range records {
		out[rm.label()] = rm
	}
	return out, nil
}

// OrderedInstallableRevisions lists the installable changeset revisions of
// a repository, oldest first.
func (s *Shed) OrderedInstallableRevisions(owner, name string) ([]string, error) {
	repo, err := s.db.GetRepositoryByName(owner, name)
	if err != nil {
		return nil, err
	}
	if repo.Deleted {
		return []string{}, nil
	}
	records, err := s.db.RevisionMetadata(repo.ID)
	if err != nil {
		return nil, err
	}

	revisions := []string{}
	for _, rm := range downloadable(records) {
		revisions = append(revisions, rm.ChangesetRevision)
	}
	return revisions, nil
}

// Files returns the content of a repository at changeset.
func (s *Shed) Files(owner, name, changeset string) (map[string][]byte, error) {
	repo, err := s.db.GetRepositoryByName(owner, name)
	if err != nil {
		return nil, err
	}
	return s.cl.Files(repo.path(), changeset)
}

// Clone writes the content of a repository at changeset into dir. An empty
// changeset clones the tip.
func (s *Shed) Clone(owner, name, changeset, dir string) (string, error) {
	repo, err := s.db.GetRepositoryByName(owner, name)
	if err != nil {
		return "", err
	}
	if changeset == "" {
		tip, err := s.cl.Tip(repo.path())
		if err != nil {
			return "", errs.NotFoundf("repository %s owned by %s has no changesets", name, owner)
		}
		changeset = tip.Revision
	}
	if err := changelog.Clone(s.cl, repo.path(), changeset, dir); err != nil {
		return "", err
	}
	return changeset, nil
}
