package shed

import (
	"fmt"
	"path"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mixos-go/shed/pkg/changelog"
	"github.com/mixos-go/shed/pkg/resolver"
)

func isDependencyFile(name string) bool {
	base := path.Base(name)
	return base == RepositoryDependenciesFile || base == ToolDependenciesFile
}

// generateMetadata derives the metadata of repo from the files of one
// changeset. Declared dependencies are validated one by one; an invalid
// declaration is recorded with its reason and does not affect the others.
func (s *Shed) generateMetadata(repo *Repository, files map[string][]byte) *Metadata {
	md := &Metadata{}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data := files[name]
		switch {
		case path.Base(name) == RepositoryDependenciesFile:
			deps, err := ParseRepositoryDependencies(data)
			if err != nil {
				md.InvalidRepositoryDependencies = append(md.InvalidRepositoryDependencies,
					resolver.InvalidDependency{Reason: err.Error()})
				continue
			}
			for _, dep := range deps {
				s.addDependency(md, dep)
			}

		case path.Base(name) == ToolDependenciesFile:
			tds, err := ParseToolDependencies(data)
			if err != nil {
				md.InvalidRepositoryDependencies = append(md.InvalidRepositoryDependencies,
					resolver.InvalidDependency{Reason: err.Error()})
				continue
			}
			for _, td := range tds {
				if td.Repository != nil && !s.addDependency(md, *td.Repository) {
					continue
				}
				md.ToolDependencies = append(md.ToolDependencies, td)
			}

		case strings.HasSuffix(name, ".xml"):
			tool, err := ParseTool(data)
			if err != nil {
				md.InvalidTools = append(md.InvalidTools, InvalidTool{ConfigFile: name, Reason: err.Error()})
				continue
			}
			if tool == nil {
				continue
			}
			tool.ConfigFile = name
			tool.GUID = s.toolGUID(repo, tool)
			md.Tools = append(md.Tools, *tool)
		}
	}

	md.sort()
	return md
}

// addDependency validates dep and files it under the valid or invalid
// dependencies of md.
func (s *Shed) addDependency(md *Metadata, dep RepositoryDependency) bool {
	if reason := s.checkDependency(dep); reason != "" {
		md.InvalidRepositoryDependencies = append(md.InvalidRepositoryDependencies,
			resolver.InvalidDependency{Dependency: dep, Reason: reason})
		return false
	}
	for _, d := range md.RepositoryDependencies {
		if dependencyKey(d) == dependencyKey(dep) {
			return true
		}
	}
	md.RepositoryDependencies = append(md.RepositoryDependencies, dep)
	return true
}

// checkDependency returns why dep cannot be accepted, or "".
func (s *Shed) checkDependency(dep RepositoryDependency) string {
	ignoring := fmt.Sprintf("Ignoring repository dependency definition for tool shed %s, name %s, owner %s, changeset revision %s",
		dep.ToolShed, dep.Name, dep.Owner, dep.ChangesetRevision)

	if !SameShed(dep.ToolShed, s.url) {
		return fmt.Sprintf("Repository dependencies are currently supported only within the same tool shed.  %s.", ignoring)
	}
	if err := ValidateOwner(dep.Owner, s.reserved); err != nil {
		return ignoring + " because the owner is invalid."
	}
	if err := ValidateRepositoryName(dep.Name, s.reserved); err != nil {
		return ignoring + " because the name is invalid."
	}

	target, err := s.db.GetRepositoryByName(dep.Owner, dep.Name)
	if err != nil {
		if ok, _ := s.db.OwnerExists(dep.Owner); !ok {
			return ignoring + " because the owner is invalid."
		}
		return ignoring + " because the name is invalid."
	}

	changesets, err := s.cl.Log(target.path())
	if err != nil {
		return ignoring + " because the changeset revision is invalid."
	}
	if _, ok := changelog.Find(changesets, dep.ChangesetRevision); !ok {
		return ignoring + " because the changeset revision is invalid."
	}
	return ""
}

func (s *Shed) toolGUID(repo *Repository, t *Tool) string {
	return fmt.Sprintf("%s/repos/%s/%s/%s/%s", Host(s.url), repo.Owner, repo.Name, t.ID, t.Version)
}

// applyRevisionRule adds the metadata of changeset cs to the metadata
// revisions of a repository.
//
// A changeset without metadata leaves the records alone. When its metadata
// contains everything the newest record has, that record moves forward to
// cs; otherwise cs becomes a new metadata revision. Earlier records are
// never changed, so a revision that was installable stays installable.
func applyRevisionRule(records []*RevisionMetadata, cs changelog.Changeset, md *Metadata) []*RevisionMetadata {
	if md.IsEmpty() {
		return records
	}

	rm := &RevisionMetadata{
		ChangesetRevision: cs.Revision,
		NumericRevision:   cs.Seq,
		Downloadable:      md.Downloadable(),
		Metadata:          md,
	}

	if n := len(records); n > 0 {
		last := records[n-1]
		if last.Downloadable == rm.Downloadable && md.Subsumes(last.Metadata) {
			log.Debugf("moving metadata revision %s to %s", last.label(), rm.label())
			records[n-1] = rm
			return records
		}
	}
	return append(records, rm)
}

// computeRevisionMetadata replays the revision rule over the whole
// changelog of repo.
func (s *Shed) computeRevisionMetadata(repo *Repository) ([]*RevisionMetadata, error) {
	changesets, err := s.cl.Log(repo.path())
	if err != nil {
		return nil, err
	}

	var records []*RevisionMetadata
	for _, cs := range changesets {
		files, err := s.cl.Files(repo.path(), cs.Revision)
		if err != nil {
			return nil, fmt.Errorf("failed to read changeset %s of %s: %w", cs.Revision, repo.path(), err)
		}
		records = applyRevisionRule(records, cs, s.generateMetadata(repo, files))
	}
	return records, nil
}

// downloadable filters records to the installable ones.
func downloadable(records []*RevisionMetadata) []*RevisionMetadata {
	var out []*RevisionMetadata
	for _, rm := range records {
		if rm.Downloadable {
			out = append(out, rm)
		}
	}
	return out
}

// nextDownloadable returns the first installable record at or after
// changeset in changelog order. An empty changeset selects the newest one.
func nextDownloadable(records []*RevisionMetadata, changesets []changelog.Changeset, changeset string) (*RevisionMetadata, bool) {
	installable := downloadable(records)
	if len(installable) == 0 {
		return nil, false
	}
	if changeset == "" {
		return installable[len(installable)-1], true
	}

	cs, ok := changelog.Find(changesets, changeset)
	if !ok {
		return nil, false
	}
	for _, rm := range installable {
		if rm.NumericRevision >= cs.Seq {
			return rm, true
		}
	}
	return nil, false
}
