package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/shed"
)

// ShedClient is what the manager needs from a tool shed.
type ShedClient interface {
	URL() string
	InstallInfo(ctx context.Context, owner, name, changeset string) (*shed.InstallInfo, error)
	// Archive returns the files of a revision as a gzipped tarball.
	Archive(ctx context.Context, owner, name, changeset string) (io.ReadCloser, error)
	OrderedInstallableRevisions(ctx context.Context, owner, name string) ([]string, error)
}

// LocalShed talks to a shed in the same process.
type LocalShed struct {
	Shed *shed.Shed
}

func (l *LocalShed) URL() string {
	return l.Shed.URL()
}

func (l *LocalShed) InstallInfo(ctx context.Context, owner, name, changeset string) (*shed.InstallInfo, error) {
	return l.Shed.InstallInfo(owner, name, changeset)
}

func (l *LocalShed) Archive(ctx context.Context, owner, name, changeset string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if err := l.Shed.Archive(&buf, owner, name, changeset); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (l *LocalShed) OrderedInstallableRevisions(ctx context.Context, owner, name string) ([]string, error) {
	return l.Shed.OrderedInstallableRevisions(owner, name)
}

// HTTPShed talks to a remote shed through its API.
type HTTPShed struct {
	base   string
	client *http.Client
}

func NewHTTPShed(baseURL string, client *http.Client) *HTTPShed {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPShed{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (h *HTTPShed) URL() string {
	return h.base
}

func (h *HTTPShed) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := h.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errs.Internal(fmt.Sprintf("failed to reach tool shed %s", h.base), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

// responseError turns an err_msg reply back into a classified error.
func responseError(resp *http.Response) error {
	var body struct {
		ErrMsg string `json:"err_msg"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)
	if body.ErrMsg == "" {
		body.ErrMsg = fmt.Sprintf("tool shed returned HTTP %d", resp.StatusCode)
	}

	t := errs.TypeInternal
	switch resp.StatusCode {
	case http.StatusBadRequest:
		t = errs.TypeInvalid
	case http.StatusForbidden:
		t = errs.TypeForbidden
	case http.StatusNotFound:
		t = errs.TypeNotFound
	case http.StatusConflict:
		t = errs.TypeConflict
	}
	return &errs.Error{Type: t, Message: body.ErrMsg}
}

func (h *HTTPShed) getJSON(ctx context.Context, path string, query url.Values, v interface{}) error {
	resp, err := h.get(ctx, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (h *HTTPShed) InstallInfo(ctx context.Context, owner, name, changeset string) (*shed.InstallInfo, error) {
	q := url.Values{"owner": {owner}, "name": {name}}
	if changeset != "" {
		q.Set("changeset_revision", changeset)
	}
	var info shed.InstallInfo
	if err := h.getJSON(ctx, "/api/repositories/get_repository_revision_install_info", q, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (h *HTTPShed) Archive(ctx context.Context, owner, name, changeset string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/repos/%s/%s/archive/%s.tar.gz",
		url.PathEscape(owner), url.PathEscape(name), url.PathEscape(changeset))
	resp, err := h.get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (h *HTTPShed) OrderedInstallableRevisions(ctx context.Context, owner, name string) ([]string, error) {
	var revs []string
	q := url.Values{"owner": {owner}, "name": {name}}
	if err := h.getJSON(ctx, "/api/repositories/get_ordered_installable_revisions", q, &revs); err != nil {
		return nil, err
	}
	return revs, nil
}
