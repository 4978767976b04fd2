package manager

import (
	"context"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/metrics"
	"github.com/mixos-go/shed/pkg/shed"
)

// ResetResult reports a metadata reset of one installed repository.
type ResetResult struct {
	Status                  string         `json:"status"`
	DryRun                  bool           `json:"dry_run"`
	RepositoryID            string         `json:"repository_id"`
	Changed                 bool           `json:"changed"`
	Diff                    string         `json:"diff,omitempty"`
	ToolPanelSectionDropped string         `json:"tool_panel_section_dropped,omitempty"`
	MetadataBefore          *shed.Metadata `json:"metadata_before,omitempty"`
	MetadataAfter           *shed.Metadata `json:"metadata_after,omitempty"`
}

// ResetMetadata replaces the stored metadata of an installed repository
// with the metadata the shed reports for its installed revision. A tool
// panel section that was not given explicitly at the last installation is
// dropped.
func (m *Manager) ResetMetadata(ctx context.Context, id string, dryRun bool) (result *ResetResult, err error) {
	defer func() {
		metrics.RecordReset(dryRun, err)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.db.Get(id)
	if err != nil {
		return nil, err
	}
	if r.Status.InProgress() {
		return nil, errs.Conflictf("Repository %s owned by %s is being installed.", r.Name, r.Owner)
	}

	changeset := r.InstalledChangesetRevision
	if changeset == "" {
		changeset = r.ChangesetRevision
	}
	info, err := m.client.InstallInfo(ctx, r.Owner, r.Name, changeset)
	if err != nil {
		return nil, err
	}

	result = &ResetResult{
		Status:         "ok",
		DryRun:         dryRun,
		RepositoryID:   r.ID,
		MetadataBefore: r.Metadata,
		MetadataAfter:  info.Metadata,
	}
	result.Diff = cmp.Diff(r.Metadata, info.Metadata, cmpopts.EquateEmpty())
	result.Changed = result.Diff != ""

	if r.ToolPanelSection != "" && !r.ToolPanelSectionExplicit {
		result.ToolPanelSectionDropped = r.ToolPanelSection
	}

	if dryRun || (!result.Changed && result.ToolPanelSectionDropped == "") {
		return result, nil
	}

	r.Metadata = info.Metadata
	if result.ToolPanelSectionDropped != "" {
		r.ToolPanelSection = ""
	}
	if err := m.save(r); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"owner": r.Owner, "name": r.Name}).Infof("reset metadata (changed=%t)", result.Changed)
	return result, nil
}

// ResetMetadataOnRepositories resets every given repository, or every
// installed repository when ids is empty, and reports failures per
// repository.
func (m *Manager) ResetMetadataOnRepositories(ctx context.Context, ids []string) (*shed.BulkResult, error) {
	if len(ids) == 0 {
		rows, err := m.db.List(false)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
	}

	result := &shed.BulkResult{Errors: []shed.BulkError{}}
	for _, id := range ids {
		if _, err := m.ResetMetadata(ctx, id, false); err != nil {
			be := shed.BulkError{RepositoryID: id, Error: errs.Message(err)}
			if r, gerr := m.db.Get(id); gerr == nil {
				be.Owner, be.Name = r.Owner, r.Name
			}
			result.Errors = append(result.Errors, be)
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}
