// Package resolver computes the set of repository revisions that must be
// installed together and the order in which to install them.
//
// Vocabulary:
//   - Dependent: a repository revision that declares a dependency.
//   - Dependee:  the repository that is depended on.
package resolver

import (
	"fmt"
	"strings"
)

// Key identifies a repository independent of its revisions.
type Key struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (k Key) String() string {
	return k.Owner + "/" + k.Name
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("invalid repository key %q", s)
	}
	return Key{Owner: parts[0], Name: parts[1]}, nil
}

func CompareKeys(a, b Key) int {
	if c := strings.Compare(a.Owner, b.Owner); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

// Package is the package identity of a complex (tool) dependency.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dependency is one declared repository dependency edge, as stored in a
// revision's metadata.
type Dependency struct {
	ToolShed                  string   `json:"tool_shed"`
	Owner                     string   `json:"owner"`
	Name                      string   `json:"name"`
	ChangesetRevision         string   `json:"changeset_revision"`
	PriorInstallationRequired bool     `json:"prior_installation_required"`
	Package                   *Package `json:"package,omitempty"`
}

func (d Dependency) Key() Key {
	return Key{Owner: d.Owner, Name: d.Name}
}

func (d Dependency) String() string {
	s := fmt.Sprintf("%s/%s@%s", d.Owner, d.Name, d.ChangesetRevision)
	if d.PriorInstallationRequired {
		s += " (prior installation required)"
	}
	if d.Package != nil {
		s += fmt.Sprintf(" [package %s %s]", d.Package.Name, d.Package.Version)
	}
	return s
}

// InvalidDependency is a declared edge that failed validation.
type InvalidDependency struct {
	Dependency
	Reason string `json:"error"`
}

// Revision is the resolver's view of an installable repository revision.
type Revision struct {
	Key
	ChangesetRevision string              `json:"changeset_revision"`
	Seq               int                 `json:"numeric_revision"`
	Dependencies      []Dependency        `json:"repository_dependencies,omitempty"`
	Invalid           []InvalidDependency `json:"invalid_repository_dependencies,omitempty"`
}

func (r *Revision) String() string {
	return fmt.Sprintf("%s@%s", r.Key.String(), r.ChangesetRevision)
}

// Source looks up installable revisions. Revision returns the first
// installable revision of key at or after changeset in changelog order; an
// empty changeset means the newest installable revision. A dependee that
// cannot be satisfied is reported with an error whose message explains why.
type Source interface {
	Revision(key Key, changeset string) (*Revision, error)
}
