package manager

import (
	"time"

	"github.com/mixos-go/shed/pkg/resolver"
	"github.com/mixos-go/shed/pkg/shed"
)

// Status of an installed repository.
type Status string

const (
	StatusNeverInstalled Status = "Never installed"
	StatusNew            Status = "New"
	StatusCloning        Status = "Cloning"
	StatusInstalling     Status = "Installing"
	StatusInstalled      Status = "Installed"
	StatusDeactivated    Status = "Deactivated"
	StatusUninstalled    Status = "Uninstalled"
	StatusError          Status = "Error"
)

// InProgress reports whether an installation owns the row.
func (s Status) InProgress() bool {
	return s == StatusNew || s == StatusCloning || s == StatusInstalling
}

// Terminal reports whether polling for s can stop.
func (s Status) Terminal() bool {
	return s == StatusInstalled || s == StatusError
}

// InstalledRepository is a repository revision materialized in this Galaxy
// instance.
type InstalledRepository struct {
	ID                         string         `json:"id"`
	ToolShed                   string         `json:"tool_shed"`
	Name                       string         `json:"name"`
	Owner                      string         `json:"owner"`
	InstalledChangesetRevision string         `json:"installed_changeset_revision"`
	ChangesetRevision          string         `json:"changeset_revision"`
	Status                     Status         `json:"status"`
	ErrorMessage               string         `json:"error_message,omitempty"`
	Deleted                    bool           `json:"deleted"`
	Uninstalled                bool           `json:"uninstalled"`
	Metadata                   *shed.Metadata `json:"metadata,omitempty"`
	ToolPanelSection           string         `json:"tool_panel_section,omitempty"`
	ToolPanelSectionExplicit   bool           `json:"-"`
	ToolDependenciesInstalled  bool           `json:"tool_dependencies_installed"`
	InstallDir                 string         `json:"install_dir,omitempty"`
	Files                      []string       `json:"-"`
	CreateTime                 time.Time      `json:"create_time"`
	UpdateTime                 time.Time      `json:"update_time"`
}

func (r *InstalledRepository) Key() resolver.Key {
	return resolver.Key{Owner: r.Owner, Name: r.Name}
}

// state is the planner's view of the row.
func (r *InstalledRepository) state() resolver.Installed {
	inst := resolver.Installed{ChangesetRevision: r.ChangesetRevision}
	switch r.Status {
	case StatusInstalled:
		inst.State = resolver.StateActive
	case StatusDeactivated:
		inst.State = resolver.StateDeactivated
	case StatusUninstalled:
		inst.State = resolver.StateRemoved
	case StatusNeverInstalled:
		inst.State = resolver.StateAbsent
	default:
		inst.State = resolver.StateFailed
	}
	return inst
}

// InstallRequest is the body of an install_repository_revision call.
type InstallRequest struct {
	ToolShedURL                   string `json:"tool_shed_url"`
	Name                          string `json:"name"`
	Owner                         string `json:"owner"`
	ChangesetRevision             string `json:"changeset_revision"`
	InstallToolDependencies       bool   `json:"install_tool_dependencies"`
	InstallRepositoryDependencies bool   `json:"install_repository_dependencies"`
	NewToolPanelSectionLabel      string `json:"new_tool_panel_section_label"`
}

// ProgressUpdate represents a status update emitted by Manager operations.
type ProgressUpdate struct {
	Stage      string  // resolve, clone, install, done
	Percent    float64 // 0.0 - 1.0
	Repository string  // owner/name of the step, if any
	Message    string
}

// DependencyStatus is a declared repository dependency of an installed
// repository together with the state of its target in this instance.
type DependencyStatus struct {
	resolver.Dependency
	Status                     Status `json:"status"`
	InstalledChangesetRevision string `json:"installed_changeset_revision,omitempty"`
	Error                      string `json:"error,omitempty"`
}

type ToolDependencyStatus struct {
	Name       string        `json:"name"`
	Version    string        `json:"version"`
	Type       string        `json:"type"`
	Status     Status        `json:"status"`
	Repository *resolver.Key `json:"repository,omitempty"`
}

// RepositoryView is an installed repository with its dependency state
// computed at read time.
type RepositoryView struct {
	*InstalledRepository
	RepositoryDependencies        []DependencyStatus     `json:"repository_dependencies"`
	MissingRepositoryDependencies []DependencyStatus     `json:"missing_repository_dependencies"`
	ToolDependencies              []ToolDependencyStatus `json:"tool_dependencies"`
}

// UpdateInfo compares an installed revision with the newest installable
// revision of the shed.
type UpdateInfo struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Name            string `json:"name"`
	Installed       string `json:"installed_changeset_revision"`
	Latest          string `json:"latest_installable_revision"`
	UpdateAvailable bool   `json:"update_available"`
}
