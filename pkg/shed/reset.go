package shed

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/metrics"
)

// ResetResult reports a metadata reset of one repository.
type ResetResult struct {
	Status         string                       `json:"status"`
	DryRun         bool                         `json:"dry_run"`
	RepositoryID   string                       `json:"repository_id"`
	Changed        bool                         `json:"changed"`
	Diff           string                       `json:"diff,omitempty"`
	MetadataBefore map[string]*RevisionMetadata `json:"repository_metadata_before,omitempty"`
	MetadataAfter  map[string]*RevisionMetadata `json:"repository_metadata_after,omitempty"`
}

// BulkError is the failure of one repository in a bulk reset.
type BulkError struct {
	RepositoryID string `json:"repository_id"`
	Owner        string `json:"owner,omitempty"`
	Name         string `json:"name,omitempty"`
	Error        string `json:"error"`
}

type BulkResult struct {
	SuccessCount int         `json:"success_count"`
	Errors       []BulkError `json:"errors"`
}

var metadataCmpOpts = []cmp.Option{
	cmpopts.EquateEmpty(),
}

func byLabel(records []*RevisionMetadata) map[string]*RevisionMetadata {
	out := make(map[string]*RevisionMetadata, len(records))
	for _, rm := range records {
		out[rm.label()] = rm
	}
	return out
}

// ResetMetadata recomputes the metadata of every changeset of a repository
// and compares it with what is stored. Unless dryRun is set, the recomputed
// metadata replaces the stored metadata. With verbose the before and after
// metadata are included in the result.
func (s *Shed) ResetMetadata(user, id string, dryRun, verbose bool) (result *ResetResult, err error) {
	defer func() {
		metrics.RecordReset(dryRun, err)
	}()

	repo, err := s.db.GetRepository(id)
	if err != nil {
		return nil, err
	}
	if err := s.canModify(user, repo); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.db.RevisionMetadata(repo.ID)
	if err != nil {
		return nil, errs.Internal("failed to load metadata", err)
	}
	after, err := s.computeRevisionMetadata(repo)
	if err != nil {
		return nil, errs.Internal("failed to compute metadata", err)
	}

	beforeMap, afterMap := byLabel(before), byLabel(after)
	diff := cmp.Diff(beforeMap, afterMap, metadataCmpOpts...)

	result = &ResetResult{
		Status:       "ok",
		DryRun:       dryRun,
		RepositoryID: repo.ID,
		Changed:      diff != "",
		Diff:         diff,
	}
	if verbose {
		result.MetadataBefore = beforeMap
		result.MetadataAfter = afterMap
	}

	fields := log.Fields{"owner": repo.Owner, "name": repo.Name, "dry_run": dryRun}
	if diff != "" {
		log.WithFields(fields).Infof("metadata changed:\n%s", diff)
	} else {
		log.WithFields(fields).Debug("metadata unchanged")
	}

	if dryRun || diff == "" {
		return result, nil
	}
	if err := s.db.ReplaceRevisionMetadata(repo.ID, after); err != nil {
		return nil, errs.Internal("failed to store metadata", err)
	}
	return result, nil
}

// ResetMetadataOnRepositories resets the metadata of each repository in ids,
// or of every repository when ids is empty. Failures are reported per
// repository. Only administrators may reset repositories in bulk.
func (s *Shed) ResetMetadataOnRepositories(user string, ids []string) (*BulkResult, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if !s.cfg.IsAdmin(user) {
		return nil, errs.Forbiddenf("You must be an administrator to reset metadata on multiple repositories.")
	}

	if len(ids) == 0 {
		repos, err := s.db.ListRepositories("", false)
		if err != nil {
			return nil, errs.Internal("failed to list repositories", err)
		}
		for _, r := range repos {
			ids = append(ids, r.ID)
		}
	}

	result := &BulkResult{Errors: []BulkError{}}
	for _, id := range ids {
		_, err := s.ResetMetadata(user, id, false, false)
		if err == nil {
			result.SuccessCount++
			continue
		}

		be := BulkError{RepositoryID: id, Error: errs.Message(err)}
		if repo, rerr := s.db.GetRepository(id); rerr == nil {
			be.Owner, be.Name = repo.Owner, repo.Name
		}
		log.WithField("repository_id", id).Errorf("metadata reset failed: %v", err)
		result.Errors = append(result.Errors, be)
	}
	return result, nil
}
