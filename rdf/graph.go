package rdf

// Triple references terms by their id in the owning Graph.
type Triple struct {
	S, P, O int
}

// Graph is a set of triples kept as an arena: terms are interned once and
// triples are integer triples into that table. Adding a triple twice is a
// no-op.
type Graph struct {
	terms   []Term
	ids     map[Term]int
	triples []Triple
	set     map[Triple]struct{}
}

func NewGraph() *Graph {
	return &Graph{
		ids: make(map[Term]int),
		set: make(map[Triple]struct{}),
	}
}

// NewGraphFromQuads builds a graph from quads, ignoring their graph names.
func NewGraphFromQuads(qs []Quad) (*Graph, error) {
	g := NewGraph()
	for _, q := range qs {
		if err := g.AddQuad(q); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) intern(t Term) int {
	if id, ok := g.ids[t]; ok {
		return id
	}
	id := len(g.terms)
	g.terms = append(g.terms, t)
	g.ids[t] = id
	return id
}

func (g *Graph) Add(s, p, o Term) error {
	return g.AddQuad(NewQuad(s, p, o))
}

func (g *Graph) AddQuad(q Quad) error {
	if err := q.Validate(); err != nil {
		return err
	}
	tr := Triple{S: g.intern(q.Subject), P: g.intern(q.Predicate), O: g.intern(q.Object.normalize())}
	if _, ok := g.set[tr]; ok {
		return nil
	}
	g.set[tr] = struct{}{}
	g.triples = append(g.triples, tr)
	return nil
}

func (g *Graph) Len() int { return len(g.triples) }

func (g *Graph) NumTerms() int { return len(g.terms) }

func (g *Graph) Term(id int) Term { return g.terms[id] }

// Triples returns the arena entries in insertion order. The slice must not
// be modified.
func (g *Graph) Triples() []Triple { return g.triples }

// IsGround reports whether the triple contains no blank node.
func (g *Graph) IsGround(t Triple) bool {
	return !g.terms[t.S].IsBlank() && !g.terms[t.P].IsBlank() && !g.terms[t.O].IsBlank()
}

// Blanks returns the ids of all blank-node terms used by the graph.
func (g *Graph) Blanks() []int {
	var out []int
	for id, t := range g.terms {
		if t.IsBlank() {
			out = append(out, id)
		}
	}
	return out
}

// Quads materializes the graph as quads in graph name gn.
func (g *Graph) Quads(gn Term) []Quad {
	out := make([]Quad, len(g.triples))
	for i, t := range g.triples {
		out[i] = Quad{Subject: g.terms[t.S], Predicate: g.terms[t.P], Object: g.terms[t.O], Graph: gn}
	}
	return out
}
