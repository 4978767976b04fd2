package shed

import (
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/resolver"
)

func TestCreateRepository(t *testing.T) {
	s := newTestShed(t)

	repo := createRepository(t, s, testOwner, "filtering_0000")
	assert.NotEmpty(t, repo.ID)
	assert.Equal(t, TypeUnrestricted, repo.Type)

	got, err := s.RepositoryByName(testOwner, "filtering_0000")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, got.ID)

	tests := []struct {
		name   string
		user   string
		repo   string
		status int
	}{
		{name: "duplicate", user: testOwner, repo: "filtering_0000", status: http.StatusBadRequest},
		{name: "reserved", user: testOwner, repo: "repos", status: http.StatusBadRequest},
		{name: "upper case", user: testOwner, repo: "Filtering", status: http.StatusBadRequest},
		{name: "too short", user: testOwner, repo: "f", status: http.StatusBadRequest},
		{name: "bad owner", user: "User One", repo: "filtering", status: http.StatusBadRequest},
		{name: "anonymous", user: "", repo: "filtering", status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateRepository(tt.user, CreateRequest{Name: tt.repo, Synopsis: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.status, errs.HTTPStatus(err))
		})
	}
}

func TestUploadRecordsTools(t *testing.T) {
	s := newTestShed(t)
	repo := createWithTool(t, s, testOwner, "column_maker_0000")

	md, err := s.Metadata(repo.ID, true)
	require.NoError(t, err)
	require.Len(t, md, 1)
	for label, rm := range md {
		assert.Equal(t, "0:"+rm.ChangesetRevision, label)
		require.Len(t, rm.Metadata.Tools, 1)
		tool := rm.Metadata.Tools[0]
		assert.Equal(t, "column_maker_0000", tool.ID)
		assert.Equal(t, "localhost:9009/repos/user1/column_maker_0000/column_maker_0000/1.0.0", tool.GUID)
		assert.Equal(t, "column_maker_0000.xml", tool.ConfigFile)
	}
}

func TestUploadNoChanges(t *testing.T) {
	s := newTestShed(t)
	repo := createWithTool(t, s, testOwner, "column_maker_0010")

	_, err := s.Upload(testOwner, repo.ID, UploadRequest{
		Filename: "column_maker_0010.xml",
		Content:  toolXML("column_maker_0010", "1.0.0"),
	})
	assert.True(t, errors.Is(err, ErrNoChanges))
	assert.Equal(t, http.StatusBadRequest, errs.HTTPStatus(err))
}

func TestUploadRequiresOwnerOrAdmin(t *testing.T) {
	s := newTestShed(t)
	repo := createWithTool(t, s, testOwner, "convert_chars_0020")

	_, err := s.Upload("user2", repo.ID, UploadRequest{Filename: "README", Content: []byte("hi")})
	assert.Equal(t, http.StatusForbidden, errs.HTTPStatus(err))

	_, err = s.Upload("", repo.ID, UploadRequest{Filename: "README", Content: []byte("hi")})
	assert.Equal(t, http.StatusForbidden, errs.HTTPStatus(err))

	_, err = s.Upload(testAdmin, repo.ID, UploadRequest{Filename: "README", Content: []byte("hi")})
	assert.NoError(t, err)

	_, err = s.Upload(testOwner, "no-such-id", UploadRequest{Filename: "README", Content: []byte("hi")})
	assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))
}

func TestUploadFillsBlankAttributes(t *testing.T) {
	s := newTestShed(t)
	convert := createWithTool(t, s, testOwner, "convert_chars_0030")
	column := createWithTool(t, s, testOwner, "column_maker_0030")

	res := upload(t, s, column, RepositoryDependenciesFile,
		dependenciesXML(depSpec{owner: testOwner, name: convert.Name}))
	assert.Empty(t, res.Errors)

	files, err := s.Files(column.Owner, column.Name, res.ChangesetRevision)
	require.NoError(t, err)
	doc := string(files[RepositoryDependenciesFile])
	assert.Contains(t, doc, `toolshed="`+testShedURL+`"`)
	assert.Contains(t, doc, `changeset_revision="`+tip(t, s, convert)+`"`)

	require.Len(t, res.Metadata.RepositoryDependencies, 1)
	dep := res.Metadata.RepositoryDependencies[0]
	assert.Equal(t, tip(t, s, convert), dep.ChangesetRevision)
	assert.Equal(t, testShedURL, dep.ToolShed)
}

func TestUploadPartialValidation(t *testing.T) {
	s := newTestShed(t)
	convert := createWithTool(t, s, testOwner, "convert_chars_0040")
	emboss := createWithTool(t, s, testOwner, "emboss_0040")
	column := createWithTool(t, s, testOwner, "column_maker_0040")

	res := upload(t, s, column, RepositoryDependenciesFile, dependenciesXML(
		depSpec{owner: testOwner, name: convert.Name},
		depSpec{owner: "nobody", name: "bogus_repository"},
		depSpec{owner: testOwner, name: emboss.Name, prior: true},
	))

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "owner is invalid")
	assert.Contains(t, res.Errors[0], "bogus_repository")

	md := res.Metadata
	require.Len(t, md.RepositoryDependencies, 2)
	require.Len(t, md.InvalidRepositoryDependencies, 1)
	assert.Equal(t, "nobody", md.InvalidRepositoryDependencies[0].Owner)

	var prior []string
	for _, d := range md.RepositoryDependencies {
		if d.PriorInstallationRequired {
			prior = append(prior, d.Name)
		}
	}
	assert.Equal(t, []string{emboss.Name}, prior)
}

func TestDependencyValidationMessages(t *testing.T) {
	s := newTestShed(t)
	convert := createWithTool(t, s, testOwner, "convert_chars_0050")
	column := createWithTool(t, s, testOwner, "column_maker_0050")

	tests := []struct {
		name string
		dep  depSpec
		want string
	}{
		{
			name: "other shed",
			dep:  depSpec{toolshed: "http://toolshed.example.org", owner: testOwner, name: convert.Name},
			want: "Repository dependencies are currently supported only within the same tool shed",
		},
		{
			name: "invalid name",
			dep:  depSpec{owner: testOwner, name: "no_such_repository"},
			want: "because the name is invalid",
		},
		{
			name: "reserved name",
			dep:  depSpec{owner: testOwner, name: "repos"},
			want: "because the name is invalid",
		},
		{
			name: "invalid owner",
			dep:  depSpec{owner: "Not An Owner", name: convert.Name},
			want: "because the owner is invalid",
		},
		{
			name: "invalid changeset",
			dep:  depSpec{owner: testOwner, name: convert.Name, changeset: "0123456789ab"},
			want: "because the changeset revision is invalid",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Upload(testOwner, column.ID, UploadRequest{
				Filename: RepositoryDependenciesFile,
				Content:  dependenciesXML(tt.dep),
			})
			require.NoError(t, err)
			require.Len(t, res.Errors, 1)
			assert.Contains(t, res.Errors[0], tt.want)
			assert.Empty(t, res.Metadata.RepositoryDependencies)
		})
	}
}

func TestDeletingDependencyFileCreatesRevision(t *testing.T) {
	s := newTestShed(t)
	convert := createWithTool(t, s, testOwner, "convert_chars_0440")
	column := createWithTool(t, s, testOwner, "column_maker_0440")

	withDeps := upload(t, s, convert, RepositoryDependenciesFile,
		dependenciesXML(depSpec{owner: testOwner, name: column.Name}))
	assert.Equal(t, []string{withDeps.ChangesetRevision}, installable(t, s, convert))

	res, err := s.DeleteFiles(testOwner, convert.ID, []string{RepositoryDependenciesFile}, "")
	require.NoError(t, err)

	revs := installable(t, s, convert)
	assert.Equal(t, []string{withDeps.ChangesetRevision, res.ChangesetRevision}, revs)

	for _, rev := range revs {
		r, err := s.Resolve(convert.Owner, convert.Name, rev)
		require.NoError(t, err, rev)
		assert.Equal(t, rev, r.Revision(convert.Key()).ChangesetRevision)
	}

	old, err := s.Resolve(convert.Owner, convert.Name, withDeps.ChangesetRevision)
	require.NoError(t, err)
	assert.NotNil(t, old.Revision(column.Key()))

	latest, err := s.Resolve(convert.Owner, convert.Name, "")
	require.NoError(t, err)
	assert.Equal(t, []resolver.Key{convert.Key()}, latest.Keys())
}

func TestDeleteMissingFile(t *testing.T) {
	s := newTestShed(t)
	repo := createWithTool(t, s, testOwner, "bismark_0050")

	_, err := s.DeleteFiles(testOwner, repo.ID, []string{"nope.txt"}, "")
	assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))

	_, err = s.DeleteFiles(testOwner, repo.ID, []string{"bismark_0050.xml", "nope.txt"}, "")
	assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))

	upload(t, s, repo, "other.txt", []byte("other"))
	files, err := s.Files(testOwner, "bismark_0050", tip(t, s, repo))
	require.NoError(t, err)
	assert.Contains(t, files, "bismark_0050.xml")
	assert.Contains(t, files, "other.txt")
}

func TestInvalidToolKeepsPreviousRevisionInstallable(t *testing.T) {
	s := newTestShed(t)
	repo := createWithTool(t, s, testOwner, "freebayes_0060")
	first := installable(t, s, repo)
	require.Len(t, first, 1)

	res := upload(t, s, repo, "broken.xml", []byte(`<tool name="broken" version="1.0"></tool>`))
	assert.False(t, res.Downloadable)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "broken.xml")

	assert.Equal(t, first, installable(t, s, repo))

	all, err := s.Metadata(repo.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNewToolVersionCreatesRevision(t *testing.T) {
	s := newTestShed(t)
	repo := createWithTool(t, s, testOwner, "filtering_0070")

	upload(t, s, repo, "README", []byte("readme"))
	assert.Len(t, installable(t, s, repo), 1)

	upload(t, s, repo, "filtering_0070.xml", toolXML("filtering_0070", "2.0.0"))
	assert.Len(t, installable(t, s, repo), 2)
}

func TestRevisionUsesNextInstallable(t *testing.T) {
	s := newTestShed(t)
	repo := createWithTool(t, s, testOwner, "emboss_0080")
	first := tip(t, s, repo)
	second := upload(t, s, repo, "README", []byte("readme")).ChangesetRevision

	rev, err := s.Revision(repo.Key(), first)
	require.NoError(t, err)
	assert.Equal(t, second, rev.ChangesetRevision)

	rev, err = s.Revision(repo.Key(), "")
	require.NoError(t, err)
	assert.Equal(t, second, rev.ChangesetRevision)

	_, err = s.Revision(repo.Key(), "0123456789ab")
	assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))
}

func TestDeletedRepositoryIsMissing(t *testing.T) {
	s := newTestShed(t)
	convert := createWithTool(t, s, testOwner, "convert_chars_0090")
	column := createWithTool(t, s, testOwner, "column_maker_0090")
	upload(t, s, column, RepositoryDependenciesFile,
		dependenciesXML(depSpec{owner: testOwner, name: convert.Name}))

	_, err := s.Delete("user2", convert.ID)
	assert.Equal(t, http.StatusForbidden, errs.HTTPStatus(err))

	deleted, err := s.Delete(testOwner, convert.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Empty(t, installable(t, s, convert))

	res, err := s.Resolve(column.Owner, column.Name, "")
	require.NoError(t, err)
	require.Len(t, res.Missing, 1)
	assert.Equal(t, convert.Key(), res.Missing[0].Dependency.Key())
	assert.Contains(t, res.Missing[0].Reason, "deleted")

	_, err = s.Undelete(testOwner, convert.ID)
	require.NoError(t, err)

	res, err = s.Resolve(column.Owner, column.Name, "")
	require.NoError(t, err)
	assert.Empty(t, res.Missing)
	assert.ElementsMatch(t, []resolver.Key{column.Key(), convert.Key()}, res.Keys())
}

func TestCircularDependenciesResolve(t *testing.T) {
	s := newTestShed(t)
	filtering := createWithTool(t, s, testOwner, "filtering_0040")
	freebayes := createWithTool(t, s, testOwner, "freebayes_0040")

	upload(t, s, filtering, RepositoryDependenciesFile,
		dependenciesXML(depSpec{owner: testOwner, name: freebayes.Name}))
	upload(t, s, freebayes, RepositoryDependenciesFile,
		dependenciesXML(depSpec{owner: testOwner, name: filtering.Name}))

	for _, root := range []*Repository{filtering, freebayes} {
		res, err := s.Resolve(root.Owner, root.Name, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []resolver.Key{filtering.Key(), freebayes.Key()}, res.Keys())
		assert.Empty(t, res.Missing)
		assert.Len(t, res.Edges, 2)
	}
}

func TestFiveRepositoryCircularGraph(t *testing.T) {
	s := newTestShed(t)
	repos := map[string]*Repository{}
	for _, name := range []string{"convert_chars_0050", "column_maker_0050", "emboss_0050", "bismark_0050", "freebayes_0050", "filtering_0050"} {
		repos[name] = createWithTool(t, s, testOwner, name)
	}
	declare := func(name string, deps ...string) {
		var specs []depSpec
		for _, d := range deps {
			specs = append(specs, depSpec{owner: testOwner, name: d})
		}
		upload(t, s, repos[name], RepositoryDependenciesFile, dependenciesXML(specs...))
	}

	declare("convert_chars_0050", "column_maker_0050")
	declare("column_maker_0050", "convert_chars_0050")
	declare("emboss_0050", "bismark_0050")
	declare("freebayes_0050", "freebayes_0050", "bismark_0050", "emboss_0050", "column_maker_0050")
	declare("filtering_0050", "emboss_0050")

	res, err := s.Resolve(testOwner, "freebayes_0050", "")
	require.NoError(t, err)

	var names []string
	for _, k := range res.Keys() {
		names = append(names, k.Name)
	}
	assert.ElementsMatch(t,
		[]string{"freebayes_0050", "bismark_0050", "emboss_0050", "column_maker_0050", "convert_chars_0050"},
		names)
	assert.Empty(t, res.Missing)
}

func TestInstallInfo(t *testing.T) {
	s := newTestShed(t)
	convert := createWithTool(t, s, testOwner, "convert_chars_0150")
	column := createWithTool(t, s, testOwner, "column_maker_0150")
	upload(t, s, column, RepositoryDependenciesFile,
		dependenciesXML(depSpec{owner: testOwner, name: convert.Name, prior: true}))

	info, err := s.InstallInfo(column.Owner, column.Name, "")
	require.NoError(t, err)

	assert.Equal(t, column.ID, info.Repository.ID)
	assert.Equal(t, tip(t, s, column), info.ChangesetRevision)
	require.Len(t, info.Metadata.Tools, 1)
	assert.Len(t, info.Revisions, 2)
	assert.Contains(t, info.Revisions, convert.Key().String())

	require.Len(t, info.Resolution.Edges, 1)
	assert.True(t, info.Resolution.Edges[0].PriorInstallationRequired)

	_, err = s.InstallInfo(testOwner, "no_such_repository", "")
	assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))
}

func TestComplexDependency(t *testing.T) {
	s := newTestShed(t)
	numpy := createRepository(t, s, testOwner, "package_numpy_1_7")
	upload(t, s, numpy, ToolDependenciesFile, []byte(`<?xml version="1.0"?>
<tool_dependency>
    <package name="numpy" version="1.7.1">
        <install version="1.0" />
    </package>
</tool_dependency>
`))

	matplotlib := createWithTool(t, s, testOwner, "matplotlib_0100")
	res := upload(t, s, matplotlib, ToolDependenciesFile, []byte(`<?xml version="1.0"?>
<tool_dependency>
    <package name="numpy" version="1.7.1">
        <repository name="package_numpy_1_7" owner="user1" prior_installation_required="True" />
    </package>
</tool_dependency>
`))
	assert.Empty(t, res.Errors)

	require.Len(t, res.Metadata.ToolDependencies, 1)
	td := res.Metadata.ToolDependencies[0]
	require.NotNil(t, td.Repository)
	assert.Equal(t, "package_numpy_1_7", td.Repository.Name)

	r, err := s.Resolve(matplotlib.Owner, matplotlib.Name, "")
	require.NoError(t, err)
	require.Len(t, r.Edges, 1)
	assert.Equal(t, &resolver.Package{Name: "numpy", Version: "1.7.1"}, r.Edges[0].Package)
	assert.True(t, r.Edges[0].PriorInstallationRequired)
	assert.Equal(t, numpy.Key(), r.Edges[0].To)
}

func TestClone(t *testing.T) {
	s := newTestShed(t)
	repo := createWithTool(t, s, testOwner, "filtering_0100")
	first := tip(t, s, repo)
	upload(t, s, repo, "README", []byte("filters\n"))

	dir := t.TempDir()
	rev, err := s.Clone(testOwner, "filtering_0100", "", dir)
	require.NoError(t, err)
	assert.Equal(t, tip(t, s, repo), rev)
	assert.FileExists(t, filepath.Join(dir, "README"))

	old := t.TempDir()
	_, err = s.Clone(testOwner, "filtering_0100", first, old)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(old, "filtering_0100.xml"))
	assert.NoFileExists(t, filepath.Join(old, "README"))

	_, err = s.Clone(testOwner, "no_such_repo", "", t.TempDir())
	assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))
}
