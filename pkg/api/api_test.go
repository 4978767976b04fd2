package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixos-go/shed/pkg/api"
	"github.com/mixos-go/shed/pkg/manager"
	"github.com/mixos-go/shed/pkg/shed"
	"github.com/mixos-go/shed/pkg/shedtest"
)

type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func (c *client) do(method, path, user string, body io.Reader, contentType string) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

func (c *client) json(method, path, user string, body interface{}, out interface{}) int {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(data)
	}
	status, data := c.do(method, path, user, r, "application/json")
	if out != nil {
		require.NoError(c.t, json.Unmarshal(data, out), string(data))
	}
	return status
}

func (c *client) upload(id, filename string, content []byte) (int, []byte) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(c.t, err)
	fw.Write(content)
	mw.WriteField("commit_message", "Uploaded "+filename)
	require.NoError(c.t, mw.Close())
	return c.do(http.MethodPost, "/api/repositories/"+id+"/changeset_revision", shedtest.Owner, &buf, mw.FormDataContentType())
}

type errorBody struct {
	ErrMsg string `json:"err_msg"`
}

// newServer serves a shed and a Galaxy manager that reaches the shed over
// HTTP.
func newServer(t *testing.T) (*shedtest.Context, *client) {
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	c := shedtest.New(t,
		shedtest.WithURL(ts.URL),
		shedtest.WithClient(func(manager.ShedClient) manager.ShedClient {
			return manager.NewHTTPShed(ts.URL, ts.Client())
		}),
	)
	handler = api.New(c.Config, c.Shed, c.Manager)
	return c, &client{t: t, base: ts.URL, http: ts.Client()}
}

func createRepository(t *testing.T, cl *client, name string) *shed.Repository {
	t.Helper()
	var repo shed.Repository
	status := cl.json(http.MethodPost, "/api/repositories", shedtest.Owner, map[string]interface{}{
		"name":         name,
		"synopsis":     "Synopsis for " + name,
		"category_ids": []string{"text"},
	}, &repo)
	require.Equal(t, http.StatusOK, status)
	return &repo
}

func TestCreateAndUpload(t *testing.T) {
	_, cl := newServer(t)

	repo := createRepository(t, cl, "filtering_0000")
	assert.Equal(t, shedtest.Owner, repo.Owner)
	assert.Equal(t, []string{"text"}, repo.CategoryIDs)

	status, data := cl.upload(repo.ID, "filtering.xml", shedtest.ToolXML("Filter1", "1.1.0"))
	require.Equal(t, http.StatusOK, status, string(data))
	var res shed.UploadResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.Downloadable)
	assert.NotEmpty(t, res.ChangesetRevision)

	status, data = cl.upload(repo.ID, "filtering.xml", shedtest.ToolXML("Filter1", "1.1.0"))
	assert.Equal(t, http.StatusBadRequest, status)
	var e errorBody
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "No changes to repository.", e.ErrMsg)

	var md map[string]*shed.RevisionMetadata
	require.Equal(t, http.StatusOK, cl.json(http.MethodGet, "/api/repositories/"+repo.ID+"/metadata?downloadable_only=True", "", nil, &md))
	assert.Len(t, md, 1)

	var revs []string
	q := url.Values{"owner": {shedtest.Owner}, "name": {"filtering_0000"}}
	require.Equal(t, http.StatusOK, cl.json(http.MethodGet, "/api/repositories/get_ordered_installable_revisions?"+q.Encode(), "", nil, &revs))
	assert.Equal(t, []string{res.ChangesetRevision}, revs)
}

func TestErrorStatuses(t *testing.T) {
	_, cl := newServer(t)
	repo := createRepository(t, cl, "filtering_0010")

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   interface{}
		status int
	}{
		{"invalid name", http.MethodPost, "/api/repositories", shedtest.Owner, map[string]string{"name": "Bad Name", "synopsis": "x"}, http.StatusBadRequest},
		{"anonymous create", http.MethodPost, "/api/repositories", "", map[string]string{"name": "anon", "synopsis": "x"}, http.StatusForbidden},
		{"not owner", http.MethodDelete, "/api/repositories/" + repo.ID, "user2", nil, http.StatusForbidden},
		{"unknown repository", http.MethodGet, "/api/repositories/no-such-id", "", nil, http.StatusNotFound},
		{"missing owner", http.MethodGet, "/api/repositories/get_repository_revision_install_info?name=x", "", nil, http.StatusBadRequest},
		{"galaxy non admin", http.MethodGet, "/api/tool_shed_repositories", shedtest.Owner, nil, http.StatusForbidden},
		{"bulk reset non admin", http.MethodPost, "/api/repositories/reset_metadata_on_repositories", shedtest.Owner, map[string]interface{}{}, http.StatusForbidden},
		{"no route", http.MethodGet, "/api/nothing_here", "", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorBody
			status := cl.json(tt.method, tt.path, tt.user, tt.body, &e)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, e.ErrMsg)
		})
	}
}

func TestResetMetadataOnRepository(t *testing.T) {
	c, cl := newServer(t)
	repo := c.CreateWithTool("filtering_0020")

	var res shed.ResetResult
	status := cl.json(http.MethodPost, "/api/repositories/reset_metadata_on_repository?dry_run=true&verbose=true",
		shedtest.Owner, map[string]string{"repository_id": repo.ID}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", res.Status)
	assert.True(t, res.DryRun)
	assert.False(t, res.Changed)
	assert.Equal(t, res.MetadataBefore, res.MetadataAfter)
	assert.Len(t, res.MetadataAfter, 1)

	var bulk shed.BulkResult
	status = cl.json(http.MethodPost, "/api/repositories/reset_metadata_on_repositories", shedtest.Admin,
		map[string]interface{}{"repository_ids": []string{repo.ID, "no-such-id"}}, &bulk)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, bulk.SuccessCount)
	require.Len(t, bulk.Errors, 1)
	assert.Equal(t, "no-such-id", bulk.Errors[0].RepositoryID)
}

func TestResolveDOT(t *testing.T) {
	c, cl := newServer(t)
	c.CreateWithTool("convert_chars_0150")
	column := c.CreateWithTool("column_maker_0150")
	c.DependOn(column, shedtest.Dep{Name: "convert_chars_0150", Prior: true})

	q := url.Values{"owner": {shedtest.Owner}, "name": {"column_maker_0150"}, "format": {"dot"}}
	status, data := cl.do(http.MethodGet, "/api/repositories/resolve?"+q.Encode(), "", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), "digraph")
	assert.Contains(t, string(data), "convert_chars_0150")

	q.Del("format")
	var out struct {
		Plan struct {
			Steps []struct {
				Repository struct{ Name string } `json:"repository"`
				Action     string                `json:"action"`
			} `json:"steps"`
		} `json:"plan"`
	}
	require.Equal(t, http.StatusOK, cl.json(http.MethodGet, "/api/repositories/resolve?"+q.Encode(), "", nil, &out))
	require.Len(t, out.Plan.Steps, 2)
	assert.Equal(t, "convert_chars_0150", out.Plan.Steps[0].Repository.Name)
	assert.Equal(t, "install", out.Plan.Steps[1].Action)
}

func TestArchive(t *testing.T) {
	c, cl := newServer(t)
	repo := c.CreateWithTool("filtering_0030")
	tip := c.Upload(repo, "README", []byte("filters\n")).ChangesetRevision

	status, data := cl.do(http.MethodGet, "/repos/user1/filtering_0030/archive/"+tip+".tar.gz", "", nil, "")
	require.Equal(t, http.StatusOK, status)
	files, err := shed.ReadArchive(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "filters\n", string(files["README"]))
	assert.Contains(t, files, "filtering_0030.xml")

	status, _ = cl.do(http.MethodGet, "/repos/user1/filtering_0030/archive/000000000000.tar.gz", "", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

// TestInstallOverHTTP drives the Galaxy API; the manager fetches install
// info and archives from the shed API.
func TestInstallOverHTTP(t *testing.T) {
	c, cl := newServer(t)
	c.CreateWithTool("convert_chars_0150")
	column := c.CreateWithTool("column_maker_0150")
	c.DependOn(column, shedtest.Dep{Name: "convert_chars_0150", Prior: true})

	req := map[string]interface{}{
		"tool_shed_url":                   c.Config.ShedURL,
		"name":                            "column_maker_0150",
		"owner":                           shedtest.Owner,
		"install_repository_dependencies": "True",
		"install_tool_dependencies":       "False",
	}
	var installed []*manager.InstalledRepository
	status := cl.json(http.MethodPost, "/api/tool_shed_repositories/new/install_repository_revision", shedtest.Admin, req, &installed)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, installed, 2)

	convert := c.Installed("convert_chars_0150")
	root := c.Installed("column_maker_0150")
	assert.Equal(t, manager.StatusInstalled, root.Status)
	assert.True(t, convert.UpdateTime.Before(root.UpdateTime))

	var ok map[string]string
	status = cl.json(http.MethodPost, "/api/tool_shed_repositories/new/install_repository_revision", shedtest.Admin, req, &ok)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", ok["status"])

	var view manager.RepositoryView
	require.Equal(t, http.StatusOK, cl.json(http.MethodGet, "/api/tool_shed_repositories/"+root.ID, shedtest.Admin, nil, &view))
	assert.Empty(t, view.MissingRepositoryDependencies)
	require.Len(t, view.RepositoryDependencies, 1)

	var removed manager.InstalledRepository
	status = cl.json(http.MethodDelete, "/api/tool_shed_repositories/"+convert.ID, shedtest.Admin,
		map[string]bool{"remove_from_disk": false}, &removed)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, manager.StatusDeactivated, removed.Status)

	require.Equal(t, http.StatusOK, cl.json(http.MethodGet, "/api/tool_shed_repositories/"+root.ID, shedtest.Admin, nil, &view))
	require.Len(t, view.MissingRepositoryDependencies, 1)
	assert.Equal(t, "convert_chars_0150", view.MissingRepositoryDependencies[0].Name)

	require.Equal(t, http.StatusOK, cl.json(http.MethodPost, "/api/tool_shed_repositories/"+convert.ID+"/reactivate", shedtest.Admin, nil, &removed))
	require.Equal(t, http.StatusOK, cl.json(http.MethodGet, "/api/tool_shed_repositories/"+root.ID, shedtest.Admin, nil, &view))
	assert.Empty(t, view.MissingRepositoryDependencies)

	var reset manager.ResetResult
	require.Equal(t, http.StatusOK, cl.json(http.MethodPost, "/api/tool_shed_repositories/"+root.ID+"/reset_metadata?dry_run=true", shedtest.Admin, nil, &reset))
	assert.False(t, reset.Changed, reset.Diff)
}

func TestInstallAsync(t *testing.T) {
	c, cl := newServer(t)
	c.Config.AsyncInstalls = true
	c.CreateWithTool("filtering_0040")

	var installed []*manager.InstalledRepository
	status := cl.json(http.MethodPost, "/api/tool_shed_repositories/new/install_repository_revision", shedtest.Admin,
		map[string]string{"tool_shed_url": c.Config.ShedURL, "name": "filtering_0040", "owner": shedtest.Owner}, &installed)
	require.Equal(t, http.StatusAccepted, status)
	require.Len(t, installed, 1)

	c.Manager.Wait()
	var view manager.RepositoryView
	require.Equal(t, http.StatusOK, cl.json(http.MethodGet, "/api/tool_shed_repositories/"+installed[0].ID, shedtest.Admin, nil, &view))
	assert.Equal(t, manager.StatusInstalled, view.Status)
}

func TestInstallFromOtherShed(t *testing.T) {
	_, cl := newServer(t)

	var e errorBody
	status := cl.json(http.MethodPost, "/api/tool_shed_repositories/new/install_repository_revision", shedtest.Admin,
		map[string]string{"tool_shed_url": "https://toolshed.example.org", "name": "x1", "owner": shedtest.Owner}, &e)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.True(t, strings.Contains(e.ErrMsg, "toolshed.example.org"), e.ErrMsg)
}

func TestMetricsEndpoint(t *testing.T) {
	_, cl := newServer(t)
	cl.do(http.MethodGet, "/api/repositories", "", nil, "")

	status, data := cl.do(http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), "shed_http_request_duration_seconds")
}
