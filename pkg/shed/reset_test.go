package shed

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixos-go/shed/pkg/errs"
)

func populated(t *testing.T) (*Shed, *Repository, *Repository) {
	t.Helper()
	s := newTestShed(t)
	convert := createWithTool(t, s, testOwner, "convert_chars_0160")
	column := createWithTool(t, s, testOwner, "column_maker_0160")
	upload(t, s, column, RepositoryDependenciesFile,
		dependenciesXML(depSpec{owner: testOwner, name: convert.Name, prior: true}))
	upload(t, s, column, "README", []byte("column maker"))
	_, err := s.DeleteFiles(testOwner, column.ID, []string{RepositoryDependenciesFile}, "")
	require.NoError(t, err)
	return s, convert, column
}

func TestResetMetadataIsIdempotent(t *testing.T) {
	s, _, column := populated(t)

	before, err := s.Metadata(column.ID, false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := s.ResetMetadata(testOwner, column.ID, false, true)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Status)
		assert.False(t, res.Changed, res.Diff)
		assert.Equal(t, len(before), len(res.MetadataAfter))
	}

	after, err := s.Metadata(column.ID, false)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResetMetadataDryRun(t *testing.T) {
	s, _, column := populated(t)

	records, err := s.db.RevisionMetadata(column.ID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	stale := "/srv/old_shed/database/community_files/000/repo_1/column_maker_0160.xml"
	records[0].Metadata.Tools[0].ConfigFile = stale
	require.NoError(t, s.db.ReplaceRevisionMetadata(column.ID, records))

	res, err := s.ResetMetadata(testOwner, column.ID, true, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.True(t, res.Changed)
	assert.Contains(t, res.Diff, stale)
	assert.Equal(t, stale, res.MetadataBefore[records[0].label()].Metadata.Tools[0].ConfigFile)
	assert.Equal(t, "column_maker_0160.xml", res.MetadataAfter[records[0].label()].Metadata.Tools[0].ConfigFile)

	stored, err := s.db.RevisionMetadata(column.ID)
	require.NoError(t, err)
	assert.Equal(t, stale, stored[0].Metadata.Tools[0].ConfigFile)

	res, err = s.ResetMetadata(testOwner, column.ID, false, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Nil(t, res.MetadataBefore)

	stored, err = s.db.RevisionMetadata(column.ID)
	require.NoError(t, err)
	assert.Equal(t, "column_maker_0160.xml", stored[0].Metadata.Tools[0].ConfigFile)

	res, err = s.ResetMetadata(testOwner, column.ID, false, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestResetMetadataPermissions(t *testing.T) {
	s, _, column := populated(t)

	_, err := s.ResetMetadata("user2", column.ID, true, false)
	assert.Equal(t, http.StatusForbidden, errs.HTTPStatus(err))

	_, err = s.ResetMetadata(testAdmin, column.ID, true, false)
	assert.NoError(t, err)
}

func TestResetMetadataOnRepositories(t *testing.T) {
	s, convert, column := populated(t)

	_, err := s.ResetMetadataOnRepositories(testOwner, nil)
	assert.Equal(t, http.StatusForbidden, errs.HTTPStatus(err))

	res, err := s.ResetMetadataOnRepositories(testAdmin, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Empty(t, res.Errors)

	res, err = s.ResetMetadataOnRepositories(testAdmin, []string{convert.ID, "missing-id", column.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "missing-id", res.Errors[0].RepositoryID)
	assert.NotEmpty(t, res.Errors[0].Error)
}
