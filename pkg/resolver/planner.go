package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"
)

// State is the installation state of a repository as the planner sees it.
type State int

const (
	StateAbsent State = iota
	StateActive
	StateDeactivated
	StateRemoved
	StateFailed
)

// Installed describes an existing installation of a repository.
type Installed struct {
	ChangesetRevision string
	State             State
}

type Action string

const (
	ActionInstall    Action = "install"
	ActionReinstall  Action = "reinstall"
	ActionReactivate Action = "reactivate"
	ActionSkip       Action = "skip"
)

// Step is one entry of an installation plan.
type Step struct {
	Key               Key    `json:"repository"`
	ChangesetRevision string `json:"changeset_revision"`
	Action            Action `json:"action"`
	Reason            string `json:"reason,omitempty"`
	// Repositories that must be installed before this one.
	Prior []Key `json:"prior_installation_required,omitempty"`
}

// Plan is an ordered list of installation steps for a resolution.
type Plan struct {
	Root        Key       `json:"root"`
	Steps       []Step    `json:"steps"`
	Cycles      [][]Key   `json:"cycles,omitempty"`
	BrokenEdges []Edge    `json:"broken_edges,omitempty"`
	Missing     []Missing `json:"missing,omitempty"`
}

// IsNoop reports whether every step is a skip.
func (p *Plan) IsNoop() bool {
	for _, s := range p.Steps {
		if s.Action != ActionSkip {
			return false
		}
	}
	return true
}

// Position returns the index of key in the plan, or -1.
func (p *Plan) Position(key Key) int {
	for i, s := range p.Steps {
		if s.Key == key {
			return i
		}
	}
	return -1
}

func (p *Plan) String() string {
	lines := make([]string, 0, len(p.Steps))
	for i, s := range p.Steps {
		line := fmt.Sprintf("%2d. %-10s %s@%s", i+1, s.Action, s.Key.String(), s.ChangesetRevision)
		if s.Reason != "" {
			line += " (" + s.Reason + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// NewPlan orders the resolved repositories and decides what to do with each.
//
// If an edge A->B requires prior installation, B is ordered before A. Edges
// without the flag do not constrain the order; the order is still total and
// deterministic, preferring dependencies before dependents. Repositories
// that require prior installation of each other form a cycle that no order
// can satisfy; within such a cycle the walk starts at the requested root (or
// the earliest member), so the root's own prior-installation requirements are
// honored and the edges closing the cycle are reported as broken.
func NewPlan(res *Resolution, installed map[Key]Installed) (*Plan, error) {
	order, cycles, broken, err := installOrder(res)
	if err != nil {
		return nil, err
	}

	prior := map[Key][]Key{}
	for _, e := range res.Edges {
		if e.PriorInstallationRequired && e.From != e.To {
			prior[e.From] = appendKey(prior[e.From], e.To)
		}
	}

	plan := &Plan{
		Root:        res.Root,
		Cycles:      cycles,
		BrokenEdges: broken,
		Missing:     res.Missing,
	}

	for _, k := range order {
		rev := res.Revision(k)
		step := Step{
			Key:               k,
			ChangesetRevision: rev.ChangesetRevision,
			Prior:             prior[k],
		}
		step.Action, step.Reason = decide(k == res.Root, rev, installed[k])
		plan.Steps = append(plan.Steps, step)
	}

	return plan, nil
}

func decide(isRoot bool, rev *Revision, inst Installed) (Action, string) {
	switch inst.State {
	case StateAbsent:
		return ActionInstall, ""

	case StateActive:
		if inst.ChangesetRevision == rev.ChangesetRevision {
			return ActionSkip, "already installed"
		}
		if isRoot {
			return ActionReinstall, fmt.Sprintf("installed at %s", inst.ChangesetRevision)
		}
		return ActionSkip, fmt.Sprintf("installed at %s", inst.ChangesetRevision)

	case StateDeactivated:
		if inst.ChangesetRevision == rev.ChangesetRevision || !isRoot {
			return ActionReactivate, "deactivated"
		}
		return ActionReinstall, fmt.Sprintf("deactivated at %s", inst.ChangesetRevision)

	case StateRemoved:
		return ActionReinstall, "uninstalled"

	default:
		return ActionReinstall, "previous installation failed"
	}
}

func appendKey(keys []Key, k Key) []Key {
	for _, x := range keys {
		if x == k {
			return keys
		}
	}
	keys = append(keys, k)
	sort.Slice(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })
	return keys
}

// preferredOrder is a dependencies-first walk over all edges starting at the
// root; it ranks repositories where prior-installation edges leave freedom.
func preferredOrder(res *Resolution) map[Key]int {
	adj := map[Key][]Key{}
	for _, e := range res.Edges {
		adj[e.From] = appendKey(adj[e.From], e.To)
	}

	rank := map[Key]int{}
	seen := map[Key]bool{}
	var walk func(k Key)
	walk = func(k Key) {
		seen[k] = true
		for _, n := range adj[k] {
			if !seen[n] {
				walk(n)
			}
		}
		rank[k] = len(rank)
	}

	walk(res.Root)
	for _, k := range res.Keys() {
		if !seen[k] {
			walk(k)
		}
	}
	return rank
}

func keyHash(k Key) string {
	return k.String()
}

// installOrder linearizes the resolution. Components of the
// prior-installation graph are emitted in dependency order (Kahn's algorithm
// over the condensation); members of a cyclic component are ordered by a
// depth-first walk inside the component.
func installOrder(res *Resolution) ([]Key, [][]Key, []Edge, error) {
	rank := preferredOrder(res)

	g := graph.New(keyHash, graph.Directed())
	for _, k := range res.Keys() {
		if err := g.AddVertex(k); err != nil {
			return nil, nil, nil, err
		}
	}

	selfLoop := map[Key]bool{}
	priorEdges := map[Key][]Key{}
	for _, e := range res.Edges {
		if !e.PriorInstallationRequired {
			continue
		}
		if e.From == e.To {
			selfLoop[e.From] = true
			continue
		}
		priorEdges[e.From] = appendKey(priorEdges[e.From], e.To)
		err := g.AddEdge(keyHash(e.From), keyHash(e.To))
		if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil, nil, nil, err
		}
	}

	sccs, err := graph.StronglyConnectedComponents(g)
	if err != nil {
		return nil, nil, nil, err
	}

	byRank := func(keys []Key) {
		sort.Slice(keys, func(i, j int) bool { return rank[keys[i]] < rank[keys[j]] })
	}

	comp := map[Key]int{}
	members := make([][]Key, len(sccs))
	var cycles [][]Key
	for i, scc := range sccs {
		for _, h := range scc {
			k, err := ParseKey(h)
			if err != nil {
				return nil, nil, nil, err
			}
			comp[k] = i
			members[i] = append(members[i], k)
		}
		byRank(members[i])
		if len(members[i]) > 1 || selfLoop[members[i][0]] {
			c := append([]Key(nil), members[i]...)
			sort.Slice(c, func(a, b int) bool { return CompareKeys(c[a], c[b]) < 0 })
			cycles = append(cycles, c)
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return CompareKeys(cycles[i][0], cycles[j][0]) < 0 })

	// Condensation: component c waits for every component it has a prior
	// edge into.
	indeg := make([]int, len(sccs))
	waiters := make([]map[int]bool, len(sccs))
	for from, tos := range priorEdges {
		for _, to := range tos {
			cf, ct := comp[from], comp[to]
			if cf == ct {
				continue
			}
			if waiters[ct] == nil {
				waiters[ct] = map[int]bool{}
			}
			if !waiters[ct][cf] {
				waiters[ct][cf] = true
				indeg[cf]++
			}
		}
	}

	done := make([]bool, len(sccs))
	var order []Key
	var broken []Edge
	for n := 0; n < len(sccs); n++ {
		next := -1
		for c := range sccs {
			if done[c] || indeg[c] > 0 {
				continue
			}
			if next == -1 || rank[members[c][0]] < rank[members[next][0]] {
				next = c
			}
		}
		if next == -1 {
			return nil, nil, nil, fmt.Errorf("prior installation graph is not a DAG after condensation")
		}
		done[next] = true

		keys, b := orderComponent(members[next], res.Root, priorEdges, comp, next)
		order = append(order, keys...)
		broken = append(broken, b...)

		for w := range waiters[next] {
			indeg[w]--
		}
	}

	return order, cycles, broken, nil
}

// orderComponent orders the members of one strongly connected component.
// members must be sorted by preference.
func orderComponent(members []Key, root Key, priorEdges map[Key][]Key,
	comp map[Key]int, c int) ([]Key, []Edge) {

	if len(members) == 1 {
		return members, nil
	}

	start := members[0]
	for _, m := range members {
		if m == root {
			start = m
		}
	}

	pos := map[Key]int{}
	for i, m := range members {
		pos[m] = i
	}

	const (
		unseen = iota
		onStack
		finished
	)
	state := map[Key]int{}
	var order []Key
	var broken []Edge

	var walk func(k Key)
	walk = func(k Key) {
		state[k] = onStack
		next := []Key{}
		for _, t := range priorEdges[k] {
			if comp[t] == c {
				next = append(next, t)
			}
		}
		sort.Slice(next, func(i, j int) bool { return pos[next[i]] < pos[next[j]] })

		for _, t := range next {
			switch state[t] {
			case unseen:
				walk(t)
			case onStack:
				broken = append(broken, Edge{From: k, To: t, PriorInstallationRequired: true})
			}
		}
		state[k] = finished
		order = append(order, k)
	}

	walk(start)
	for _, m := range members {
		if state[m] == unseen {
			walk(m)
		}
	}
	return order, broken
}
