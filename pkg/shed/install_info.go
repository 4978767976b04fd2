package shed

import (
	"time"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/metrics"
	"github.com/mixos-go/shed/pkg/resolver"
)

// Revision implements resolver.Source over the installable revisions of the
// shed. Deleted repositories have none.
func (s *Shed) Revision(key resolver.Key, changeset string) (*resolver.Revision, error) {
	rm, err := s.revisionMetadata(key, changeset)
	if err != nil {
		return nil, err
	}
	return &resolver.Revision{
		Key:               key,
		ChangesetRevision: rm.ChangesetRevision,
		Seq:               rm.NumericRevision,
		Dependencies:      rm.Metadata.RepositoryDependencies,
		Invalid:           rm.Metadata.InvalidRepositoryDependencies,
	}, nil
}

func (s *Shed) revisionMetadata(key resolver.Key, changeset string) (*RevisionMetadata, error) {
	repo, err := s.db.GetRepositoryByName(key.Owner, key.Name)
	if err != nil {
		return nil, err
	}
	if repo.Deleted {
		return nil, errs.NotFoundf("repository %s owned by %s has been deleted", key.Name, key.Owner)
	}

	records, err := s.db.RevisionMetadata(repo.ID)
	if err != nil {
		return nil, err
	}
	changesets, err := s.cl.Log(repo.path())
	if err != nil {
		return nil, err
	}

	rm, ok := nextDownloadable(records, changesets, changeset)
	if !ok {
		if changeset == "" {
			return nil, errs.NotFoundf("repository %s owned by %s has no installable revision", key.Name, key.Owner)
		}
		return nil, errs.NotFoundf("changeset revision %s of repository %s owned by %s is invalid",
			changeset, key.Name, key.Owner)
	}
	return rm, nil
}

// Resolve computes the repositories needed by owner/name at changeset.
func (s *Shed) Resolve(owner, name, changeset string) (*resolver.Resolution, error) {
	start := time.Now()
	defer func() {
		metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
	}()

	res, err := resolver.New(s).Resolve(resolver.Key{Owner: owner, Name: name}, changeset)
	if err != nil {
		return nil, err
	}
	metrics.MissingDependencies.Add(float64(len(res.Missing)))
	return res, nil
}

// InstallInfo is everything a Galaxy instance needs to install a repository
// revision and its repository dependencies.
type InstallInfo struct {
	Repository        *Repository                  `json:"repository"`
	ChangesetRevision string                       `json:"changeset_revision"`
	Metadata          *Metadata                    `json:"metadata"`
	Resolution        *resolver.Resolution         `json:"resolution"`
	Revisions         map[string]*RevisionMetadata `json:"revisions"`
}

// InstallInfo resolves owner/name at changeset. The changeset is mapped to
// the next installable revision.
func (s *Shed) InstallInfo(owner, name, changeset string) (*InstallInfo, error) {
	repo, err := s.db.GetRepositoryByName(owner, name)
	if err != nil {
		return nil, err
	}

	res, err := s.Resolve(owner, name, changeset)
	if err != nil {
		return nil, err
	}

	info := &InstallInfo{
		Repository: repo,
		Resolution: res,
		Revisions:  map[string]*RevisionMetadata{},
	}
	for _, rev := range res.Repositories {
		rm, err := s.revisionMetadata(rev.Key, rev.ChangesetRevision)
		if err != nil {
			return nil, err
		}
		info.Revisions[rev.Key.String()] = rm
		if rev.Key == res.Root {
			info.ChangesetRevision = rm.ChangesetRevision
			info.Metadata = rm.Metadata
		}
	}
	return info, nil
}
