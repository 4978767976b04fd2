// Package manager is the Galaxy side of repository installation: it records
// installed repositories, executes installation plans against a tool shed
// and reports the dependency state of what is installed.
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mixos-go/shed/pkg/config"
	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/metrics"
	"github.com/mixos-go/shed/pkg/resolver"
	"github.com/mixos-go/shed/pkg/shed"
)

type Manager struct {
	mu         sync.Mutex
	db         *Database
	client     ShedClient
	toolShed   string
	installDir string
	group      singleflight.Group
	running    sync.WaitGroup

	clockMu sync.Mutex
	last    time.Time

	// optional progress channel for UI consumers
	progressChan chan<- ProgressUpdate
}

func New(cfg *config.Config, client ShedClient) (*Manager, error) {
	db, err := NewDatabase(cfg.GalaxyDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Manager{
		db:         db,
		client:     client,
		toolShed:   shed.Host(client.URL()),
		installDir: cfg.InstallDir,
	}, nil
}

// SetProgressChan registers a channel to receive ProgressUpdate events.
// Pass nil to disable progress reporting.
func (m *Manager) SetProgressChan(ch chan<- ProgressUpdate) {
	m.progressChan = ch
}

func (m *Manager) progress(stage string, percent float64, key resolver.Key, msg string) {
	if m.progressChan != nil {
		m.progressChan <- ProgressUpdate{Stage: stage, Percent: percent, Repository: key.String(), Message: msg}
	}
}

// Wait blocks until background installations have finished.
func (m *Manager) Wait() {
	m.running.Wait()
}

func (m *Manager) Close() error {
	m.Wait()
	return m.db.Close()
}

// now returns a strictly increasing timestamp so update times order the
// events of this instance.
func (m *Manager) now() time.Time {
	m.clockMu.Lock()
	defer m.clockMu.Unlock()

	t := time.Now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *Manager) save(r *InstalledRepository) error {
	r.UpdateTime = m.now()
	if r.CreateTime.IsZero() {
		r.CreateTime = r.UpdateTime
	}
	if err := m.db.Save(r); err != nil {
		return errs.Internal("failed to record installed repository", err)
	}
	return nil
}

// Prepared is an installation that has been planned and recorded but not
// executed. Status is "ok" when there is nothing to do.
type Prepared struct {
	Status       string                 `json:"status,omitempty"`
	Plan         *resolver.Plan         `json:"plan"`
	Repositories []*InstalledRepository `json:"repositories,omitempty"`

	info    *shed.InstallInfo
	request InstallRequest
}

// IDs returns the ids of the repositories the installation will touch.
func (p *Prepared) IDs() []string {
	ids := make([]string, 0, len(p.Repositories))
	for _, r := range p.Repositories {
		ids = append(ids, r.ID)
	}
	return ids
}

func (m *Manager) checkToolShed(u string) error {
	if u == "" || shed.SameShed(u, m.client.URL()) {
		return nil
	}
	return errs.Invalidf("Repositories can only be installed from the tool shed at %s, not %s.", m.client.URL(), u)
}

// resolve fetches the install info of the requested repository.
func (m *Manager) resolve(ctx context.Context, req InstallRequest) (*shed.InstallInfo, error) {
	if req.Owner == "" || req.Name == "" {
		return nil, errs.Invalidf("Missing required parameters 'owner' and 'name'.")
	}
	if err := m.checkToolShed(req.ToolShedURL); err != nil {
		return nil, err
	}

	m.progress("resolve", 0, resolver.Key{Owner: req.Owner, Name: req.Name}, "Resolving repository dependencies")
	return m.client.InstallInfo(ctx, req.Owner, req.Name, req.ChangesetRevision)
}

// plan orders the resolved repositories against their installed rows. The
// caller holds m.mu.
func (m *Manager) plan(info *shed.InstallInfo, req InstallRequest) (*resolver.Plan, map[resolver.Key]*InstalledRepository, error) {
	res := info.Resolution
	if !req.InstallRepositoryDependencies {
		res = res.RootOnly()
	}

	rows := map[resolver.Key]*InstalledRepository{}
	installed := map[resolver.Key]resolver.Installed{}
	for _, k := range res.Keys() {
		r, err := m.db.GetByName(m.toolShed, k.Owner, k.Name)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if r.Status.InProgress() {
			return nil, nil, errs.Conflictf("Repository %s owned by %s is already being installed.", k.Name, k.Owner)
		}
		rows[k] = r
		installed[k] = r.state()
	}

	plan, err := resolver.NewPlan(res, installed)
	if err != nil {
		return nil, nil, errs.Internal("failed to plan installation", err)
	}
	for _, e := range plan.BrokenEdges {
		log.Warnf("cannot install %s before %s: repositories require prior installation of each other",
			e.To.String(), e.From.String())
	}
	return plan, rows, nil
}

// Plan returns what installing req would do without recording anything.
func (m *Manager) Plan(ctx context.Context, req InstallRequest) (*resolver.Plan, error) {
	info, err := m.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	plan, _, err := m.plan(info, req)
	return plan, err
}

// Prepare resolves the requested repository, plans the installation and
// records a New row for every repository the plan touches.
func (m *Manager) Prepare(ctx context.Context, req InstallRequest) (*Prepared, error) {
	info, err := m.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	plan, rows, err := m.plan(info, req)
	if err != nil {
		return nil, err
	}

	p := &Prepared{Plan: plan, info: info, request: req}
	if plan.IsNoop() {
		log.WithFields(log.Fields{"owner": req.Owner, "name": req.Name}).Info("repository is already installed")
		p.Status = "ok"
		return p, nil
	}

	for _, step := range plan.Steps {
		if step.Action == resolver.ActionSkip {
			continue
		}
		r := rows[step.Key]
		if r == nil {
			r = &InstalledRepository{
				ID:       uuid.New().String(),
				ToolShed: m.toolShed,
				Owner:    step.Key.Owner,
				Name:     step.Key.Name,
			}
		}
		if step.Action != resolver.ActionReactivate {
			r.ChangesetRevision = step.ChangesetRevision
			if rm := info.Revisions[step.Key.String()]; rm != nil {
				r.Metadata = rm.Metadata
			}
		}
		if step.Key == plan.Root {
			if req.NewToolPanelSectionLabel != "" {
				r.ToolPanelSection = req.NewToolPanelSectionLabel
				r.ToolPanelSectionExplicit = true
			} else {
				r.ToolPanelSectionExplicit = false
			}
		}
		r.Status = StatusNew
		r.ErrorMessage = ""
		if err := m.save(r); err != nil {
			return nil, err
		}
		p.Repositories = append(p.Repositories, r)
	}

	return p, nil
}

// Execute performs the steps of a prepared installation in plan order. A
// repository whose prior installation required dependency failed is not
// installed. Failures are recorded on the rows; repositories that did
// install stay installed.
func (m *Manager) Execute(ctx context.Context, p *Prepared) ([]*InstalledRepository, error) {
	if p.Status == "ok" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byKey := map[resolver.Key]*InstalledRepository{}
	for _, r := range p.Repositories {
		byKey[r.Key()] = r
	}

	failed := map[resolver.Key]bool{}
	total := float64(len(p.Repositories))
	done := 0
	for _, step := range p.Plan.Steps {
		r := byKey[step.Key]
		if r == nil {
			continue
		}

		var err error
		switch {
		case ctx.Err() != nil:
			err = fmt.Errorf("installation cancelled: %w", ctx.Err())
		default:
			for _, k := range step.Prior {
				if failed[k] {
					err = fmt.Errorf("prior installation required repository %s failed to install", k.String())
					break
				}
			}
		}

		if err == nil {
			m.progress("install", float64(done)/total, step.Key, fmt.Sprintf("%s %s", step.Action, step.Key.String()))
			err = m.apply(ctx, step, r, p.request)
		}
		metrics.RecordInstall(string(step.Action), err)

		if err != nil {
			failed[step.Key] = true
			log.WithFields(log.Fields{
				"owner":              r.Owner,
				"name":               r.Name,
				"changeset_revision": r.ChangesetRevision,
			}).Errorf("%s failed: %v", step.Action, err)
			r.Status = StatusError
			r.ErrorMessage = err.Error()
			if serr := m.save(r); serr != nil {
				return p.Repositories, serr
			}
		}
		done++
	}

	m.progress("done", 1.0, p.Plan.Root, "Installation complete")
	return p.Repositories, nil
}

// ExecuteAsync runs Execute in the background. Callers poll the rows.
func (m *Manager) ExecuteAsync(p *Prepared) {
	m.running.Add(1)
	go func() {
		defer m.running.Done()
		if _, err := m.Execute(context.Background(), p); err != nil {
			log.Errorf("background installation of %s failed: %v", p.Plan.Root.String(), err)
		}
	}()
}

func (m *Manager) apply(ctx context.Context, step resolver.Step, r *InstalledRepository, req InstallRequest) error {
	log.WithFields(log.Fields{
		"owner":              r.Owner,
		"name":               r.Name,
		"changeset_revision": step.ChangesetRevision,
	}).Infof("%s", step.Action)

	if step.Action == resolver.ActionReactivate {
		return m.activate(r)
	}

	r.Status = StatusCloning
	if err := m.save(r); err != nil {
		return err
	}

	if r.InstallDir != "" {
		if err := m.removeInstallDir(r.InstallDir); err != nil {
			return err
		}
	}
	dir := m.repositoryDir(r.Owner, r.Name, step.ChangesetRevision)
	archive, err := m.client.Archive(ctx, r.Owner, r.Name, step.ChangesetRevision)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", step.Key.String(), err)
	}
	defer archive.Close()

	r.Status = StatusInstalling
	r.InstallDir = dir
	if err := m.save(r); err != nil {
		return err
	}

	files, err := installFiles(archive, dir)
	if err != nil {
		m.removeInstallDir(dir)
		return fmt.Errorf("failed to install files: %w", err)
	}

	r.Files = files
	r.InstalledChangesetRevision = step.ChangesetRevision
	r.ChangesetRevision = step.ChangesetRevision
	r.ToolDependenciesInstalled = req.InstallToolDependencies &&
		r.Metadata != nil && len(r.Metadata.ToolDependencies) > 0
	return m.activate(r)
}

func (m *Manager) activate(r *InstalledRepository) error {
	r.Status = StatusInstalled
	r.ErrorMessage = ""
	r.Deleted = false
	r.Uninstalled = false
	return m.save(r)
}

// Install prepares and executes an installation. Concurrent identical
// requests share one execution.
func (m *Manager) Install(ctx context.Context, req InstallRequest) (*Prepared, error) {
	v, err, _ := m.group.Do(installKey(req), func() (interface{}, error) {
		p, err := m.Prepare(ctx, req)
		if err != nil {
			return nil, err
		}
		if _, err := m.Execute(ctx, p); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Prepared), nil
}

// installKey identifies requests that would prepare the same installation.
func installKey(req InstallRequest) string {
	return fmt.Sprintf("%s|%s|%s|%s|%t|%t|%s", shed.Host(req.ToolShedURL), req.Owner, req.Name,
		req.ChangesetRevision, req.InstallRepositoryDependencies, req.InstallToolDependencies,
		req.NewToolPanelSectionLabel)
}

// Remove deactivates an installed repository, or uninstalls it and deletes
// its files when removeFromDisk is set. The row is kept either way.
func (m *Manager) Remove(id string, removeFromDisk bool) (*InstalledRepository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.db.Get(id)
	if err != nil {
		return nil, err
	}
	if r.Status.InProgress() {
		return nil, errs.Conflictf("Repository %s owned by %s is being installed.", r.Name, r.Owner)
	}
	if r.Status == StatusUninstalled {
		return nil, errs.Invalidf("Repository %s owned by %s is not installed.", r.Name, r.Owner)
	}

	fields := log.Fields{"owner": r.Owner, "name": r.Name, "changeset_revision": r.ChangesetRevision}
	if removeFromDisk {
		if r.InstallDir != "" {
			if err := m.removeInstallDir(r.InstallDir); err != nil {
				return nil, err
			}
		}
		r.Status = StatusUninstalled
		r.Uninstalled = true
		r.InstallDir = ""
		r.Files = nil
		r.ToolDependenciesInstalled = false
		log.WithFields(fields).Info("uninstalled")
	} else {
		if r.Status == StatusDeactivated {
			return r, nil
		}
		r.Status = StatusDeactivated
		log.WithFields(fields).Info("deactivated")
	}
	r.Deleted = true
	if err := m.save(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Reactivate makes a deactivated repository available again. Its
// dependents stop reporting it as missing.
func (m *Manager) Reactivate(id string) (*InstalledRepository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.db.Get(id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusDeactivated {
		return nil, errs.Invalidf("Repository %s owned by %s is not deactivated.", r.Name, r.Owner)
	}
	if err := m.activate(r); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"owner": r.Owner, "name": r.Name}).Info("reactivated")
	metrics.RecordInstall(string(resolver.ActionReactivate), nil)
	return r, nil
}

func (m *Manager) Get(id string) (*InstalledRepository, error) {
	return m.db.Get(id)
}

func (m *Manager) GetByName(owner, name string) (*InstalledRepository, error) {
	return m.db.GetByName(m.toolShed, owner, name)
}

func (m *Manager) List(includeUninstalled bool) ([]*InstalledRepository, error) {
	return m.db.List(includeUninstalled)
}

// Count returns the number of rows recorded for owner/name.
func (m *Manager) Count(owner, name string) (int, error) {
	return m.db.Count(m.toolShed, owner, name)
}

// View computes the dependency state of an installed repository.
func (m *Manager) View(id string) (*RepositoryView, error) {
	r, err := m.db.Get(id)
	if err != nil {
		return nil, err
	}

	v := &RepositoryView{
		InstalledRepository:           r,
		RepositoryDependencies:        []DependencyStatus{},
		MissingRepositoryDependencies: []DependencyStatus{},
		ToolDependencies:              []ToolDependencyStatus{},
	}
	if r.Metadata == nil {
		return v, nil
	}

	for _, dep := range r.Metadata.RepositoryDependencies {
		ds := DependencyStatus{Dependency: dep, Status: StatusNeverInstalled}
		target, err := m.db.GetByName(shed.Host(dep.ToolShed), dep.Owner, dep.Name)
		switch {
		case err == nil:
			ds.Status = target.Status
			ds.InstalledChangesetRevision = target.InstalledChangesetRevision
		case !errors.Is(err, errs.ErrNotFound):
			return nil, err
		}
		v.RepositoryDependencies = append(v.RepositoryDependencies, ds)
		if ds.Status != StatusInstalled {
			v.MissingRepositoryDependencies = append(v.MissingRepositoryDependencies, ds)
		}
	}
	for _, inv := range r.Metadata.InvalidRepositoryDependencies {
		v.MissingRepositoryDependencies = append(v.MissingRepositoryDependencies, DependencyStatus{
			Dependency: inv.Dependency,
			Status:     StatusNeverInstalled,
			Error:      inv.Reason,
		})
	}

	for _, td := range r.Metadata.ToolDependencies {
		ts := ToolDependencyStatus{Name: td.Name, Version: td.Version, Type: td.Type, Status: StatusNeverInstalled}
		if r.ToolDependenciesInstalled {
			ts.Status = StatusInstalled
		}
		if td.Repository != nil {
			k := td.Repository.Key()
			ts.Repository = &k
			target, err := m.db.GetByName(shed.Host(td.Repository.ToolShed), k.Owner, k.Name)
			if err == nil && target.Status != StatusInstalled {
				ts.Status = target.Status
			} else if err != nil {
				ts.Status = StatusNeverInstalled
			}
		}
		v.ToolDependencies = append(v.ToolDependencies, ts)
	}
	return v, nil
}

// CheckForUpdates compares an installed repository with the newest
// installable revision in the shed.
func (m *Manager) CheckForUpdates(ctx context.Context, id string) (*UpdateInfo, error) {
	r, err := m.db.Get(id)
	if err != nil {
		return nil, err
	}
	revs, err := m.client.OrderedInstallableRevisions(ctx, r.Owner, r.Name)
	if err != nil {
		return nil, err
	}

	u := &UpdateInfo{ID: r.ID, Owner: r.Owner, Name: r.Name, Installed: r.InstalledChangesetRevision}
	if len(revs) > 0 {
		u.Latest = revs[len(revs)-1]
		u.UpdateAvailable = u.Latest != r.InstalledChangesetRevision
	}
	return u, nil
}

// Updates checks every installed repository.
func (m *Manager) Updates(ctx context.Context) ([]*UpdateInfo, error) {
	rows, err := m.db.List(false)
	if err != nil {
		return nil, err
	}

	var updates []*UpdateInfo
	for _, r := range rows {
		if r.Status != StatusInstalled {
			continue
		}
		u, err := m.CheckForUpdates(ctx, r.ID)
		if err != nil {
			log.Warnf("failed to check %s/%s for updates: %v", r.Owner, r.Name, err)
			continue
		}
		if u.UpdateAvailable {
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func (m *Manager) repositoryDir(owner, name, changeset string) string {
	host := strings.ReplaceAll(m.toolShed, "/", "_")
	return filepath.Join(m.installDir, host, "repos", owner, name, changeset)
}
