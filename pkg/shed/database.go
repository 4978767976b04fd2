package shed

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mixos-go/shed/pkg/errs"
)

// Database persists repositories and the metadata of their changeset
// revisions.
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
	CREATE TABLE IF NOT EXISTS repository (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner TEXT NOT NULL,
		type TEXT NOT NULL,
		synopsis TEXT,
		description TEXT,
		category_ids TEXT,
		deleted INTEGER DEFAULT 0,
		create_time DATETIME,
		update_time DATETIME,
		UNIQUE (owner, name)
	);

	CREATE TABLE IF NOT EXISTS repository_metadata (
		repository_id TEXT NOT NULL,
		changeset_revision TEXT NOT NULL,
		numeric_revision INTEGER NOT NULL,
		downloadable INTEGER NOT NULL,
		metadata TEXT NOT NULL,
		PRIMARY KEY (repository_id, changeset_revision),
		FOREIGN KEY (repository_id) REFERENCES repository(id)
	);

	CREATE INDEX IF NOT EXISTS idx_repository_owner ON repository(owner);
	CREATE INDEX IF NOT EXISTS idx_metadata_repository ON repository_metadata(repository_id, numeric_revision);
	`

	_, err := d.db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) AddRepository(r *Repository) error {
	categories, _ := json.Marshal(r.CategoryIDs)

	_, err := d.db.Exec(`
		INSERT INTO repository (id, name, owner, type, synopsis, description, category_ids, deleted, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Name, r.Owner, r.Type, r.Synopsis, r.Description, string(categories), r.Deleted, r.CreateTime, r.UpdateTime)

	return err
}

const repositoryColumns = `id, name, owner, type, COALESCE(synopsis, ''), COALESCE(description, ''),
	COALESCE(category_ids, '[]'), deleted, create_time, update_time`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(row scanner) (*Repository, error) {
	var r Repository
	var categories string
	err := row.Scan(&r.ID, &r.Name, &r.Owner, &r.Type, &r.Synopsis, &r.Description,
		&categories, &r.Deleted, &r.CreateTime, &r.UpdateTime)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(categories), &r.CategoryIDs)
	return &r, nil
}

func (d *Database) GetRepository(id string) (*Repository, error) {
	r, err := scanRepository(d.db.QueryRow(`SELECT `+repositoryColumns+` FROM repository WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("repository %s not found", id)
	}
	return r, err
}

func (d *Database) GetRepositoryByName(owner, name string) (*Repository, error) {
	r, err := scanRepository(d.db.QueryRow(`
		SELECT `+repositoryColumns+` FROM repository WHERE owner = ? AND name = ?
	`, owner, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("repository %s owned by %s not found", name, owner)
	}
	return r, err
}

// ListRepositories returns repositories ordered by owner and name. An empty
// owner lists all owners.
func (d *Database) ListRepositories(owner string, includeDeleted bool) ([]*Repository, error) {
	rows, err := d.db.Query(`
		SELECT `+repositoryColumns+` FROM repository
		WHERE (? = '' OR owner = ?) AND (? OR deleted = 0)
		ORDER BY owner, name
	`, owner, owner, includeDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (d *Database) OwnerExists(owner string) (bool, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM repository WHERE owner = ?`, owner).Scan(&count)
	return count > 0, err
}

func (d *Database) SetDeleted(id string, deleted bool) error {
	_, err := d.db.Exec(`UPDATE repository SET deleted = ?, update_time = ? WHERE id = ?`,
		deleted, time.Now().UTC(), id)
	return err
}

func (d *Database) Touch(id string) error {
	_, err := d.db.Exec(`UPDATE repository SET update_time = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// RevisionMetadata returns the metadata revisions of a repository in
// changelog order.
func (d *Database) RevisionMetadata(repositoryID string) ([]*RevisionMetadata, error) {
	rows, err := d.db.Query(`
		SELECT changeset_revision, numeric_revision, downloadable, metadata
		FROM repository_metadata
		WHERE repository_id = ?
		ORDER BY numeric_revision
	`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RevisionMetadata
	for rows.Next() {
		var rm RevisionMetadata
		var metadataJSON string
		if err := rows.Scan(&rm.ChangesetRevision, &rm.NumericRevision, &rm.Downloadable, &metadataJSON); err != nil {
			return nil, err
		}
		rm.Metadata = &Metadata{}
		if err := json.Unmarshal([]byte(metadataJSON), rm.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for changeset %s: %w", rm.ChangesetRevision, err)
		}
		records = append(records, &rm)
	}
	return records, rows.Err()
}

// ReplaceRevisionMetadata stores records as the complete set of metadata
// revisions of a repository.
func (d *Database) ReplaceRevisionMetadata(repositoryID string, records []*RevisionMetadata) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM repository_metadata WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return err
	}

	for _, rm := range records {
		metadataJSON, err := json.Marshal(rm.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO repository_metadata (repository_id, changeset_revision, numeric_revision, downloadable, metadata)
			VALUES (?, ?, ?, ?, ?)
		`, repositoryID, rm.ChangesetRevision, rm.NumericRevision, rm.Downloadable, string(metadataJSON))
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(`UPDATE repository SET update_time = ? WHERE id = ?`, time.Now().UTC(), repositoryID)
	if err != nil {
		return err
	}

	return tx.Commit()
}
