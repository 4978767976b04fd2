package manager

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/shed"
)

// Database is the Galaxy side record of installed repositories. There is at
// most one row per (tool_shed, owner, name); reinstalling reuses it.
type Database struct {
	db *sql.DB
}

func NewDatabase(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_shed_repository (
		id TEXT PRIMARY KEY,
		tool_shed TEXT NOT NULL,
		name TEXT NOT NULL,
		owner TEXT NOT NULL,
		installed_changeset_revision TEXT NOT NULL,
		changeset_revision TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		deleted INTEGER DEFAULT 0,
		uninstalled INTEGER DEFAULT 0,
		metadata TEXT,
		tool_panel_section TEXT,
		tool_panel_section_explicit INTEGER DEFAULT 0,
		tool_dependencies_installed INTEGER DEFAULT 0,
		install_dir TEXT,
		files TEXT,
		create_time DATETIME,
		update_time DATETIME,
		UNIQUE (tool_shed, owner, name)
	);

	CREATE INDEX IF NOT EXISTS idx_tool_shed_repository_status ON tool_shed_repository(status);
	`

	_, err := d.db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Save inserts r or updates the existing row for the same repository. The
// id and create time of an existing row are kept and copied into r.
func (d *Database) Save(r *InstalledRepository) error {
	metadataJSON, _ := json.Marshal(r.Metadata)
	files, _ := json.Marshal(r.Files)

	_, err := d.db.Exec(`
		INSERT INTO tool_shed_repository (id, tool_shed, name, owner, installed_changeset_revision, changeset_revision,
			status, error_message, deleted, uninstalled, metadata, tool_panel_section, tool_panel_section_explicit,
			tool_dependencies_installed, install_dir, files, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tool_shed, owner, name) DO UPDATE SET
			installed_changeset_revision = excluded.installed_changeset_revision,
			changeset_revision = excluded.changeset_revision,
			status = excluded.status,
			error_message = excluded.error_message,
			deleted = excluded.deleted,
			uninstalled = excluded.uninstalled,
			metadata = excluded.metadata,
			tool_panel_section = excluded.tool_panel_section,
			tool_panel_section_explicit = excluded.tool_panel_section_explicit,
			tool_dependencies_installed = excluded.tool_dependencies_installed,
			install_dir = excluded.install_dir,
			files = excluded.files,
			update_time = excluded.update_time
	`, r.ID, r.ToolShed, r.Name, r.Owner, r.InstalledChangesetRevision, r.ChangesetRevision,
		r.Status, r.ErrorMessage, r.Deleted, r.Uninstalled, string(metadataJSON), r.ToolPanelSection,
		r.ToolPanelSectionExplicit, r.ToolDependenciesInstalled, r.InstallDir, string(files),
		r.CreateTime, r.UpdateTime)
	if err != nil {
		return err
	}

	var stored *InstalledRepository
	stored, err = d.GetByName(r.ToolShed, r.Owner, r.Name)
	if err != nil {
		return err
	}
	r.ID = stored.ID
	r.CreateTime = stored.CreateTime
	return nil
}

const repositoryColumns = `id, tool_shed, name, owner, installed_changeset_revision, changeset_revision, status,
	COALESCE(error_message, ''), deleted, uninstalled, COALESCE(metadata, 'null'), COALESCE(tool_panel_section, ''),
	tool_panel_section_explicit, tool_dependencies_installed, COALESCE(install_dir, ''), COALESCE(files, '[]'),
	create_time, update_time`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(row scanner) (*InstalledRepository, error) {
	var r InstalledRepository
	var metadataJSON, files string
	err := row.Scan(&r.ID, &r.ToolShed, &r.Name, &r.Owner, &r.InstalledChangesetRevision, &r.ChangesetRevision,
		&r.Status, &r.ErrorMessage, &r.Deleted, &r.Uninstalled, &metadataJSON, &r.ToolPanelSection,
		&r.ToolPanelSectionExplicit, &r.ToolDependenciesInstalled, &r.InstallDir, &files,
		&r.CreateTime, &r.UpdateTime)
	if err != nil {
		return nil, err
	}

	var md *shed.Metadata
	if err := json.Unmarshal([]byte(metadataJSON), &md); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s/%s: %w", r.Owner, r.Name, err)
	}
	r.Metadata = md
	json.Unmarshal([]byte(files), &r.Files)
	return &r, nil
}

func (d *Database) Get(id string) (*InstalledRepository, error) {
	r, err := scanRepository(d.db.QueryRow(`SELECT `+repositoryColumns+` FROM tool_shed_repository WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("tool shed repository %s not found", id)
	}
	return r, err
}

func (d *Database) GetByName(toolShed, owner, name string) (*InstalledRepository, error) {
	r, err := scanRepository(d.db.QueryRow(`
		SELECT `+repositoryColumns+` FROM tool_shed_repository
		WHERE tool_shed = ? AND owner = ? AND name = ?
	`, toolShed, owner, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("repository %s owned by %s is not installed", name, owner)
	}
	return r, err
}

// List returns installed repositories ordered by shed, owner and name.
// Uninstalled repositories are included only when asked for.
func (d *Database) List(includeUninstalled bool) ([]*InstalledRepository, error) {
	rows, err := d.db.Query(`
		SELECT `+repositoryColumns+` FROM tool_shed_repository
		WHERE ? OR uninstalled = 0
		ORDER BY tool_shed, owner, name
	`, includeUninstalled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*InstalledRepository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// Count returns the number of rows recorded for a repository.
func (d *Database) Count(toolShed, owner, name string) (int, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM tool_shed_repository WHERE tool_shed = ? AND owner = ? AND name = ?
	`, toolShed, owner, name).Scan(&count)
	return count, err
}
