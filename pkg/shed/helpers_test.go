package shed

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mixos-go/shed/pkg/changelog"
	"github.com/mixos-go/shed/pkg/config"
)

const (
	testShedURL = "http://localhost:9009"
	testOwner   = "user1"
	testAdmin   = "admin"
)

func newTestShed(t *testing.T) *Shed {
	t.Helper()

	cfg := config.Default()
	cfg.ShedURL = testShedURL
	cfg.ShedDB = filepath.Join(t.TempDir(), "community.db")
	cfg.AdminUsers = []string{testAdmin}

	db, err := NewDatabase(cfg.ShedDB)
	require.NoError(t, err)

	s, err := New(cfg, db, changelog.NewGit(""))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func toolXML(id, version string) []byte {
	return []byte(fmt.Sprintf(`<tool id="%s" name="%s" version="%s">
    <description>for testing</description>
    <command>echo $input</command>
</tool>
`, id, id, version))
}

type depSpec struct {
	toolshed  string
	owner     string
	name      string
	changeset string
	prior     bool
}

func dependenciesXML(deps ...depSpec) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n<repositories description=\"test\">\n")
	for _, d := range deps {
		b.WriteString("    <repository")
		if d.toolshed != "" {
			fmt.Fprintf(&b, " toolshed=%q", d.toolshed)
		}
		fmt.Fprintf(&b, " name=%q owner=%q", d.name, d.owner)
		if d.changeset != "" {
			fmt.Fprintf(&b, " changeset_revision=%q", d.changeset)
		}
		if d.prior {
			b.WriteString(` prior_installation_required="True"`)
		}
		b.WriteString(" />\n")
	}
	b.WriteString("</repositories>\n")
	return []byte(b.String())
}

func createRepository(t *testing.T, s *Shed, owner, name string) *Repository {
	t.Helper()
	repo, err := s.CreateRepository(owner, CreateRequest{Name: name, Synopsis: "Synopsis for " + name})
	require.NoError(t, err)
	return repo
}

// createWithTool creates a repository holding a single tool named after it.
func createWithTool(t *testing.T, s *Shed, owner, name string) *Repository {
	t.Helper()
	repo := createRepository(t, s, owner, name)
	upload(t, s, repo, name+".xml", toolXML(name, "1.0.0"))
	return repo
}

func upload(t *testing.T, s *Shed, repo *Repository, filename string, content []byte) *UploadResult {
	t.Helper()
	res, err := s.Upload(repo.Owner, repo.ID, UploadRequest{Filename: filename, Content: content})
	require.NoError(t, err)
	return res
}

func tip(t *testing.T, s *Shed, repo *Repository) string {
	t.Helper()
	changesets, err := s.Changesets(repo.ID)
	require.NoError(t, err)
	require.NotEmpty(t, changesets)
	return changesets[len(changesets)-1].Revision
}

func installable(t *testing.T, s *Shed, repo *Repository) []string {
	t.Helper()
	revs, err := s.OrderedInstallableRevisions(repo.Owner, repo.Name)
	require.NoError(t, err)
	return revs
}
