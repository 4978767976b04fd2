package manager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tarball(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	return &buf
}

func TestInstallFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repos", "user1", "filtering", "abcdef012345")

	files, err := installFiles(tarball(t, map[string]string{
		"./filtering.xml":     "<tool/>",
		"test-data/input.tab": "1\t2\n",
	}), dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"filtering.xml", "test-data/input.tab"}, files)

	data, err := os.ReadFile(filepath.Join(dir, "test-data", "input.tab"))
	require.NoError(t, err)
	assert.Equal(t, "1\t2\n", string(data))
}

func TestInstallFilesRejectsEscapingMembers(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "install")

	_, err := installFiles(tarball(t, map[string]string{"../../evil.sh": "rm -rf /"}), dir)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(base, "evil.sh"))
}

func TestRemoveInstallDir(t *testing.T) {
	m := &Manager{installDir: t.TempDir()}
	dir := filepath.Join(m.installDir, "localhost:9009", "repos", "user1", "filtering", "abcdef012345")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(m.installDir, "localhost:9009", "repos", "user1", "other"), 0755))

	require.NoError(t, m.removeInstallDir(dir))
	assert.NoDirExists(t, filepath.Join(m.installDir, "localhost:9009", "repos", "user1", "filtering"))
	assert.DirExists(t, filepath.Join(m.installDir, "localhost:9009", "repos", "user1"))

	assert.Error(t, m.removeInstallDir(m.installDir))
	assert.Error(t, m.removeInstallDir(filepath.Dir(m.installDir)))
}

func TestInstallKey(t *testing.T) {
	req := InstallRequest{
		ToolShedURL:                   "http://localhost:9009/",
		Owner:                         "user1",
		Name:                          "column_maker_0150",
		ChangesetRevision:             "aaaaaaaaaaaa",
		InstallRepositoryDependencies: true,
	}
	labelled := req
	labelled.NewToolPanelSectionLabel = "Text Manipulation"
	other := req
	other.NewToolPanelSectionLabel = "Filters"

	assert.NotEqual(t, installKey(req), installKey(labelled))
	assert.NotEqual(t, installKey(labelled), installKey(other))
	assert.Equal(t, installKey(labelled), installKey(labelled))
}
