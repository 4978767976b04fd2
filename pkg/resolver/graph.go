package resolver

import (
	"errors"
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
)

// Graph returns the resolution as a directed graph keyed by "owner/name".
// Edges that require prior installation are drawn bold; the root is
// double-circled.
func (r *Resolution) Graph() (graph.Graph[string, Key], error) {
	g := graph.New(keyHash, graph.Directed())
	for _, rev := range r.Repositories {
		attrs := []func(*graph.VertexProperties){
			graph.VertexAttribute("label", rev.String()),
		}
		if rev.Key == r.Root {
			attrs = append(attrs, graph.VertexAttribute("shape", "doublecircle"))
		}
		if err := g.AddVertex(rev.Key, attrs...); err != nil &&
			!errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, err
		}
	}

	for _, e := range r.Edges {
		var attrs []func(*graph.EdgeProperties)
		if e.PriorInstallationRequired {
			attrs = append(attrs, graph.EdgeAttribute("style", "bold"))
		}
		err := g.AddEdge(keyHash(e.From), keyHash(e.To), attrs...)
		if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil, err
		}
	}
	return g, nil
}

// WriteDOT writes the resolution in Graphviz DOT format.
func (r *Resolution) WriteDOT(w io.Writer) error {
	g, err := r.Graph()
	if err != nil {
		return err
	}
	return draw.DOT(g, w)
}
