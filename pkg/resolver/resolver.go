package resolver

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Edge is a resolved dependency: From needs To, where To was resolved to
// ChangesetRevision of the resolution.
type Edge struct {
	From                      Key      `json:"from"`
	To                        Key      `json:"to"`
	Requested                 string   `json:"requested_changeset_revision"`
	PriorInstallationRequired bool     `json:"prior_installation_required"`
	Package                   *Package `json:"package,omitempty"`
}

func (e Edge) String() string {
	s := fmt.Sprintf("%s -> %s", e.From.String(), e.To.String())
	if e.PriorInstallationRequired {
		s += " (prior)"
	}
	return s
}

// Missing records a dependency that could not be satisfied, attributed to
// the repository that declared it.
type Missing struct {
	Dependent  Key        `json:"dependent"`
	Dependency Dependency `json:"dependency"`
	Reason     string     `json:"error"`
}

// Resolution is the result of walking the dependency graph from a root.
type Resolution struct {
	Root         Key         `json:"root"`
	Repositories []*Revision `json:"repositories"`
	Edges        []Edge      `json:"edges"`
	Missing      []Missing   `json:"missing,omitempty"`
}

// Revision returns the selected revision of key, or nil.
func (r *Resolution) Revision(key Key) *Revision {
	for _, rev := range r.Repositories {
		if rev.Key == key {
			return rev
		}
	}
	return nil
}

// Keys returns the keys of all resolved repositories, root first.
func (r *Resolution) Keys() []Key {
	keys := make([]Key, 0, len(r.Repositories))
	for _, rev := range r.Repositories {
		keys = append(keys, rev.Key)
	}
	return keys
}

// RootOnly returns a copy of the resolution restricted to the root. Edges
// out of the root are kept as missing so they remain visible to the caller.
func (r *Resolution) RootOnly() *Resolution {
	out := &Resolution{Root: r.Root}
	if rev := r.Revision(r.Root); rev != nil {
		out.Repositories = []*Revision{rev}
	}
	for _, m := range r.Missing {
		if m.Dependent == r.Root {
			out.Missing = append(out.Missing, m)
		}
	}
	return out
}

func (r *Resolution) String() string {
	lines := []string{}
	for _, rev := range r.Repositories {
		lines = append(lines, rev.String())
	}
	for _, e := range r.Edges {
		lines = append(lines, "  "+e.String())
	}
	for _, m := range r.Missing {
		lines = append(lines, fmt.Sprintf("  %s missing %s: %s",
			m.Dependent.String(), m.Dependency.Key().String(), m.Reason))
	}
	return strings.Join(lines, "\n")
}

type lookupKey struct {
	key       Key
	changeset string
}

type lookupResult struct {
	rev *Revision
	err error
}

// Resolver walks repository dependencies.
type Resolver struct {
	src   Source
	cache map[lookupKey]lookupResult
}

func New(src Source) *Resolver {
	return &Resolver{src: src}
}

func (r *Resolver) lookup(key Key, changeset string) (*Revision, error) {
	lk := lookupKey{key: key, changeset: changeset}
	if res, ok := r.cache[lk]; ok {
		return res.rev, res.err
	}
	rev, err := r.src.Revision(key, changeset)
	r.cache[lk] = lookupResult{rev: rev, err: err}
	return rev, err
}

// Resolve computes the set of repository revisions that must be present for
// root at changeset to function.
//
// Exactly one revision is selected per repository. The root's revision is
// fixed by the caller. For every other repository the newest revision
// referenced by any selected dependent wins; when a newer reference
// supersedes an older one, the dependee is revisited at its new revision and
// the edges of the superseded revision are forgotten. Visited state is keyed
// by repository, so cycles of any length terminate.
func (r *Resolver) Resolve(root Key, changeset string) (*Resolution, error) {
	r.cache = map[lookupKey]lookupResult{}

	rootRev, err := r.lookup(root, changeset)
	if err != nil {
		return nil, err
	}

	ws := map[Key]*Revision{root: rootRev} // working set
	visited := map[Key]string{}             // key => visited changeset

	visit := func(rev *Revision) {
		for _, dep := range rev.Dependencies {
			dk := dep.Key()
			target, err := r.lookup(dk, dep.ChangesetRevision)
			if err != nil {
				continue
			}

			old, ok := ws[dk]
			if !ok {
				ws[dk] = target
				continue
			}
			if old.ChangesetRevision == target.ChangesetRevision {
				continue
			}
			if dk == root {
				log.Debugf("discarding repository dependency in favor of "+
					"requested root: dep=%s->%s root=%s",
					rev.String(), target.String(), old.String())
				continue
			}
			if target.Seq > old.Seq {
				log.Debugf("repository dependency %s supersedes %s (declared by %s)",
					target.String(), old.String(), rev.String())
				ws[dk] = target
			}
		}
		visited[rev.Key] = rev.ChangesetRevision
	}

	// Repeatedly iterate through the working set, visiting each node whose
	// selected revision has not been visited yet.  Stop when an iteration
	// changes nothing.  Selected revisions only move forward in changelog
	// order, so this terminates.
	for {
		keys := sortedKeys(ws)
		progress := false
		for _, k := range keys {
			rev := ws[k]
			if visited[k] == rev.ChangesetRevision {
				continue
			}
			visit(rev)
			progress = true
		}
		if !progress {
			break
		}
	}

	// A superseded revision may have pulled in repositories that nothing
	// selected still depends on.
	reachable := map[Key]bool{root: true}
	queue := []Key{root}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, dep := range ws[k].Dependencies {
			if _, err := r.lookup(dep.Key(), dep.ChangesetRevision); err != nil {
				continue
			}
			if !reachable[dep.Key()] {
				reachable[dep.Key()] = true
				queue = append(queue, dep.Key())
			}
		}
	}
	for k := range ws {
		if !reachable[k] {
			log.Debugf("dropping unreferenced repository %s", ws[k].String())
			delete(ws, k)
		}
	}

	res := &Resolution{Root: root}

	res.Repositories = append(res.Repositories, ws[root])
	for _, k := range sortedKeys(ws) {
		if k != root {
			res.Repositories = append(res.Repositories, ws[k])
		}
	}

	for _, rev := range res.Repositories {
		for _, inv := range rev.Invalid {
			res.Missing = append(res.Missing, Missing{
				Dependent:  rev.Key,
				Dependency: inv.Dependency,
				Reason:     inv.Reason,
			})
		}

		for _, dep := range rev.Dependencies {
			_, err := r.lookup(dep.Key(), dep.ChangesetRevision)
			if err != nil {
				res.Missing = append(res.Missing, Missing{
					Dependent:  rev.Key,
					Dependency: dep,
					Reason:     err.Error(),
				})
				continue
			}
			res.Edges = append(res.Edges, Edge{
				From:                      rev.Key,
				To:                        dep.Key(),
				Requested:                 dep.ChangesetRevision,
				PriorInstallationRequired: dep.PriorInstallationRequired,
				Package:                   dep.Package,
			})
		}
	}

	sort.SliceStable(res.Edges, func(i, j int) bool {
		if c := CompareKeys(res.Edges[i].From, res.Edges[j].From); c != 0 {
			return c < 0
		}
		return CompareKeys(res.Edges[i].To, res.Edges[j].To) < 0
	})

	if len(res.Missing) > 0 {
		log.Debugf("resolution of %s has %d missing dependencies",
			rootRev.String(), len(res.Missing))
	}

	return res, nil
}

func sortedKeys(m map[Key]*Revision) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return CompareKeys(keys[i], keys[j]) < 0
	})
	return keys
}
