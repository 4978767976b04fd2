// Package shed is the Tool Shed: it stores repositories and their changelogs,
// derives metadata for every changeset, validates declared repository
// dependencies and answers the installation queries of Galaxy instances.
package shed

import (
	"fmt"
	"sort"
	"time"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/resolver"
)

const (
	RepositoryDependenciesFile = "repository_dependencies.xml"
	ToolDependenciesFile       = "tool_dependencies.xml"
)

const (
	TypeUnrestricted              = "unrestricted"
	TypeToolDependencyDefinition  = "tool_dependency_definition"
	TypeRepositorySuiteDefinition = "repository_suite_definition"
)

// ErrNoChanges is returned when an upload or file deletion leaves the
// repository unchanged.
var ErrNoChanges = &errs.Error{Type: errs.TypeInvalid, Message: "No changes to repository."}

// RepositoryDependency is a declared repository dependency as stored in
// metadata.
type RepositoryDependency = resolver.Dependency

type Repository struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	Type        string    `json:"type"`
	Synopsis    string    `json:"synopsis"`
	Description string    `json:"description,omitempty"`
	CategoryIDs []string  `json:"category_ids,omitempty"`
	Deleted     bool      `json:"deleted"`
	CreateTime  time.Time `json:"create_time"`
	UpdateTime  time.Time `json:"update_time"`
}

func (r *Repository) Key() resolver.Key {
	return resolver.Key{Owner: r.Owner, Name: r.Name}
}

// changelog name of the repository
func (r *Repository) path() string {
	return r.Owner + "/" + r.Name
}

// Requirement is a <requirement> of a tool.
type Requirement struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Type    string `json:"type"`
}

type Tool struct {
	ID           string        `json:"id"`
	GUID         string        `json:"guid"`
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Description  string        `json:"description,omitempty"`
	ConfigFile   string        `json:"tool_config"`
	Requirements []Requirement `json:"requirements,omitempty"`
}

type InvalidTool struct {
	ConfigFile string `json:"tool_config"`
	Reason     string `json:"error"`
}

// ToolDependency is a package declared in tool_dependencies.xml. A complex
// dependency names the repository whose recipe provides the package.
type ToolDependency struct {
	Name       string                `json:"name"`
	Version    string                `json:"version"`
	Type       string                `json:"type"`
	Repository *RepositoryDependency `json:"repository,omitempty"`
}

func (d ToolDependency) String() string {
	return fmt.Sprintf("%s/%s/%s", d.Type, d.Name, d.Version)
}

// Metadata is derived from the content of one changeset.
type Metadata struct {
	Tools                         []Tool                       `json:"tools,omitempty"`
	InvalidTools                  []InvalidTool                `json:"invalid_tools,omitempty"`
	RepositoryDependencies        []RepositoryDependency       `json:"repository_dependencies,omitempty"`
	InvalidRepositoryDependencies []resolver.InvalidDependency `json:"invalid_repository_dependencies,omitempty"`
	ToolDependencies              []ToolDependency             `json:"tool_dependencies,omitempty"`
}

// IsEmpty reports whether the changeset contains nothing that could be
// installed or reported.
func (m *Metadata) IsEmpty() bool {
	return len(m.Tools) == 0 &&
		len(m.InvalidTools) == 0 &&
		len(m.RepositoryDependencies) == 0 &&
		len(m.InvalidRepositoryDependencies) == 0 &&
		len(m.ToolDependencies) == 0
}

// Downloadable reports whether a revision with this metadata can be
// installed.
func (m *Metadata) Downloadable() bool {
	return len(m.InvalidTools) == 0
}

func toolKey(t Tool) string {
	return t.ID + "/" + t.Version
}

func dependencyKey(d RepositoryDependency) string {
	s := fmt.Sprintf("%s|%s|%s|%s|%t", d.ToolShed, d.Owner, d.Name, d.ChangesetRevision, d.PriorInstallationRequired)
	if d.Package != nil {
		s += "|" + d.Package.Name + "|" + d.Package.Version
	}
	return s
}

// Subsumes reports whether m contains everything old contains: the same
// tools at the same versions and every repository and tool dependency.
func (m *Metadata) Subsumes(old *Metadata) bool {
	tools := map[string]bool{}
	for _, t := range m.Tools {
		tools[toolKey(t)] = true
	}
	for _, t := range old.Tools {
		if !tools[toolKey(t)] {
			return false
		}
	}

	deps := map[string]bool{}
	for _, d := range m.RepositoryDependencies {
		deps[dependencyKey(d)] = true
	}
	for _, d := range old.RepositoryDependencies {
		if !deps[dependencyKey(d)] {
			return false
		}
	}

	tds := map[string]bool{}
	for _, d := range m.ToolDependencies {
		tds[d.String()] = true
	}
	for _, d := range old.ToolDependencies {
		if !tds[d.String()] {
			return false
		}
	}
	return true
}

func (m *Metadata) sort() {
	sort.Slice(m.Tools, func(i, j int) bool { return toolKey(m.Tools[i]) < toolKey(m.Tools[j]) })
	sort.Slice(m.InvalidTools, func(i, j int) bool { return m.InvalidTools[i].ConfigFile < m.InvalidTools[j].ConfigFile })
	sort.SliceStable(m.ToolDependencies, func(i, j int) bool {
		return m.ToolDependencies[i].String() < m.ToolDependencies[j].String()
	})
}

// RevisionMetadata is a changeset revision that carries metadata.
type RevisionMetadata struct {
	ChangesetRevision string    `json:"changeset_revision"`
	NumericRevision   int       `json:"numeric_revision"`
	Downloadable      bool      `json:"downloadable"`
	Metadata          *Metadata `json:"metadata"`
}

func (r *RevisionMetadata) label() string {
	return fmt.Sprintf("%d:%s", r.NumericRevision, r.ChangesetRevision)
}
