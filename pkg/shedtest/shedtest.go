// Package shedtest provides a fixture with a tool shed and a Galaxy side
// manager wired together in one process.
package shedtest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mixos-go/shed/pkg/changelog"
	"github.com/mixos-go/shed/pkg/config"
	"github.com/mixos-go/shed/pkg/manager"
	"github.com/mixos-go/shed/pkg/shed"
)

const (
	URL   = "http://localhost:9009"
	Owner = "user1"
	Admin = "admin"
)

// Context is created once per test and can be reset to an empty shed and
// an empty Galaxy instance.
type Context struct {
	t          testing.TB
	url        string
	wrapClient func(manager.ShedClient) manager.ShedClient

	Config  *config.Config
	Shed    *shed.Shed
	Manager *manager.Manager
}

type Option func(*Context)

// WithURL sets the base URL the shed believes it is served at.
func WithURL(u string) Option {
	return func(c *Context) {
		c.url = u
	}
}

// WithClient wraps the client the manager uses to reach the shed.
func WithClient(wrap func(manager.ShedClient) manager.ShedClient) Option {
	return func(c *Context) {
		c.wrapClient = wrap
	}
}

func New(t testing.TB, opts ...Option) *Context {
	t.Helper()

	c := &Context{t: t, url: URL}
	for _, opt := range opts {
		opt(c)
	}
	c.Reset()
	t.Cleanup(c.close)
	return c
}

// Reset discards all repositories and installations.
func (c *Context) Reset() {
	c.t.Helper()
	c.close()

	dir := c.t.TempDir()
	cfg := config.Default()
	cfg.ShedURL = c.url
	cfg.ShedDB = filepath.Join(dir, "community.db")
	cfg.GalaxyDB = filepath.Join(dir, "galaxy.db")
	cfg.ReposDir = ""
	cfg.InstallDir = filepath.Join(dir, "shed_tools")
	cfg.AdminUsers = []string{Admin}
	cfg.AsyncInstalls = false
	c.Config = cfg

	db, err := shed.NewDatabase(cfg.ShedDB)
	require.NoError(c.t, err)
	c.Shed, err = shed.New(cfg, db, changelog.NewGit(""))
	require.NoError(c.t, err)

	var client manager.ShedClient = &manager.LocalShed{Shed: c.Shed}
	if c.wrapClient != nil {
		client = c.wrapClient(client)
	}
	c.Manager, err = manager.New(cfg, client)
	require.NoError(c.t, err)
}

func (c *Context) close() {
	if c.Manager != nil {
		c.Manager.Close()
		c.Manager = nil
	}
	if c.Shed != nil {
		c.Shed.Close()
		c.Shed = nil
	}
}

// ToolXML is a minimal tool definition.
func ToolXML(id, version string) []byte {
	return []byte(fmt.Sprintf(`<tool id="%s" name="%s" version="%s">
    <description>for testing</description>
    <command>echo $input</command>
</tool>
`, id, id, version))
}

// Dep is one <repository> element of a dependency definition.
type Dep struct {
	ToolShed  string
	Owner     string
	Name      string
	Changeset string
	Prior     bool
}

// DependenciesXML renders a repository_dependencies.xml document.
func DependenciesXML(deps ...Dep) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n<repositories description=\"test\">\n")
	for _, d := range deps {
		owner := d.Owner
		if owner == "" {
			owner = Owner
		}
		b.WriteString("    <repository")
		if d.ToolShed != "" {
			fmt.Fprintf(&b, " toolshed=%q", d.ToolShed)
		}
		fmt.Fprintf(&b, " name=%q owner=%q", d.Name, owner)
		if d.Changeset != "" {
			fmt.Fprintf(&b, " changeset_revision=%q", d.Changeset)
		}
		if d.Prior {
			b.WriteString(` prior_installation_required="True"`)
		}
		b.WriteString(" />\n")
	}
	b.WriteString("</repositories>\n")
	return []byte(b.String())
}

func (c *Context) CreateRepository(name string) *shed.Repository {
	c.t.Helper()
	repo, err := c.Shed.CreateRepository(Owner, shed.CreateRequest{Name: name, Synopsis: "Synopsis for " + name})
	require.NoError(c.t, err)
	return repo
}

// CreateWithTool creates a repository holding a single tool named after it.
func (c *Context) CreateWithTool(name string) *shed.Repository {
	c.t.Helper()
	repo := c.CreateRepository(name)
	c.Upload(repo, name+".xml", ToolXML(name, "1.0.0"))
	return repo
}

func (c *Context) Upload(repo *shed.Repository, filename string, content []byte) *shed.UploadResult {
	c.t.Helper()
	res, err := c.Shed.Upload(repo.Owner, repo.ID, shed.UploadRequest{Filename: filename, Content: content})
	require.NoError(c.t, err)
	return res
}

// DependOn uploads a repository_dependencies.xml declaring deps.
func (c *Context) DependOn(repo *shed.Repository, deps ...Dep) *shed.UploadResult {
	c.t.Helper()
	res := c.Upload(repo, shed.RepositoryDependenciesFile, DependenciesXML(deps...))
	require.Empty(c.t, res.Errors)
	return res
}

// Install installs the newest revision of name with its repository
// dependencies.
func (c *Context) Install(name string) *manager.Prepared {
	c.t.Helper()
	return c.InstallRequest(manager.InstallRequest{
		ToolShedURL:                   c.Config.ShedURL,
		Owner:                         Owner,
		Name:                          name,
		InstallRepositoryDependencies: true,
		InstallToolDependencies:       true,
	})
}

func (c *Context) InstallRequest(req manager.InstallRequest) *manager.Prepared {
	c.t.Helper()
	p, err := c.Manager.Install(context.Background(), req)
	require.NoError(c.t, err)
	return p
}

// Installed returns the Galaxy side row of name.
func (c *Context) Installed(name string) *manager.InstalledRepository {
	c.t.Helper()
	r, err := c.Manager.GetByName(Owner, name)
	require.NoError(c.t, err)
	return r
}
