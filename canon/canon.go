// Package canon computes a canonical form and hash of an RDF graph.
//
// Two graphs that differ only in blank-node labels and triple order produce
// the same canonical serialization. Blank nodes are split into connected
// components, each canonicalized on its own. Within a component, blank nodes
// are coloured by iterated signature refinement over their neighbourhood;
// colour classes that remain tied are split by individualization, and the
// lexicographically smallest resulting serialization is chosen. Components
// are then ordered by their serialization and labeled consecutively.
package canon

import (
	"crypto/sha256"
	"sort"
	"strconv"
	"strings"

	"rdfchain/crypto"
	"rdfchain/rdf"

	"github.com/pkg/errors"
)

var (
	ErrEmptyGraph             = errors.New("canon: empty graph")
	ErrIterationLimitExceeded = errors.New("canon: iteration limit exceeded")
)

const (
	DefaultMaxSearch = 4096
	LabelPrefix      = "c14n"
)

// Options bounds the work done per graph. Zero values select defaults:
// MaxRounds defaults to the number of blank nodes in a component plus one,
// MaxSearch to DefaultMaxSearch. MaxSearch counts branching nodes of the
// individualization search over the whole graph.
type Options struct {
	MaxRounds int
	MaxSearch int
}

// Form is the canonical rendering of a graph.
type Form struct {
	// Lines are the sorted N-Triples statements with relabeled blank nodes.
	Lines []string
	// Labels maps each input blank-node label to its canonical label.
	Labels map[string]string
}

// Bytes joins the lines with "\n", terminating the last one as well.
func (f *Form) Bytes() []byte {
	n := 0
	for _, l := range f.Lines {
		n += len(l) + 1
	}
	b := make([]byte, 0, n)
	for _, l := range f.Lines {
		b = append(b, l...)
		b = append(b, '\n')
	}
	return b
}

func (f *Form) Hash() []byte {
	return crypto.Hash(f.Bytes())
}

func Canonicalize(g *rdf.Graph) (*Form, []byte, error) {
	return Options{}.Canonicalize(g)
}

func HashPayload(payload []byte) (*Form, []byte, error) {
	return Options{}.HashPayload(payload)
}

// HashPayload parses N-Quads and canonicalizes the resulting graph. Graph
// names in the payload are ignored.
func (o Options) HashPayload(payload []byte) (*Form, []byte, error) {
	qs, err := rdf.ParseNQuadsBytes(payload)
	if err != nil {
		return nil, nil, err
	}
	g, err := rdf.NewGraphFromQuads(qs)
	if err != nil {
		return nil, nil, err
	}
	return o.Canonicalize(g)
}

// Canonicalize returns the canonical form of g and its SHA-256 hash.
func (o Options) Canonicalize(g *rdf.Graph) (*Form, []byte, error) {
	if g == nil || g.Len() == 0 {
		return nil, nil, ErrEmptyGraph
	}
	s := newState(g, o)
	form := &Form{Labels: make(map[string]string, len(s.blanks))}
	for _, t := range s.ground {
		form.Lines = append(form.Lines, s.line(t, nil))
	}

	comps := s.components()
	for _, c := range comps {
		if err := c.canonicalize(); err != nil {
			return nil, nil, err
		}
	}
	// isomorphic components serialize identically, so their relative order
	// does not change the output
	sort.SliceStable(comps, func(i, j int) bool { return comps[i].best < comps[j].best })
	rank := make(map[int]int, len(s.blanks))
	offset := 0
	for _, c := range comps {
		for i, id := range c.blanks {
			rank[id] = offset + c.bestRank[i]
		}
		offset += len(c.blanks)
	}
	for _, t := range s.nonGround {
		form.Lines = append(form.Lines, s.line(t, rank))
	}
	for _, id := range s.blanks {
		form.Labels[g.Term(id).Value] = label(rank[id])
	}
	sort.Strings(form.Lines)
	return form, form.Hash(), nil
}

func label(rank int) string {
	return LabelPrefix + strconv.Itoa(rank)
}

type state struct {
	g         *rdf.Graph
	maxRounds int
	maxSearch int
	nodes     int

	blanks    []int
	termHash  map[int]string
	ground    []rdf.Triple
	nonGround []rdf.Triple
}

func newState(g *rdf.Graph, o Options) *state {
	s := &state{
		g:         g,
		termHash:  make(map[int]string),
		maxRounds: o.MaxRounds,
		maxSearch: o.MaxSearch,
	}
	if s.maxSearch <= 0 {
		s.maxSearch = DefaultMaxSearch
	}
	s.blanks = g.Blanks()
	for _, t := range g.Triples() {
		if g.IsGround(t) {
			s.ground = append(s.ground, t)
			continue
		}
		s.nonGround = append(s.nonGround, t)
		for _, id := range [3]int{t.S, t.P, t.O} {
			if g.Term(id).IsBlank() {
				continue
			}
			if _, ok := s.termHash[id]; !ok {
				s.termHash[id] = string(crypto.Hash([]byte(g.Term(id).String())))
			}
		}
	}
	return s
}

// components groups blank nodes joined by a shared triple. Every non-ground
// triple belongs to exactly one component.
func (s *state) components() []*component {
	parent := make(map[int]int, len(s.blanks))
	for _, id := range s.blanks {
		parent[id] = id
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	first := func(t rdf.Triple) int {
		for _, id := range [3]int{t.S, t.P, t.O} {
			if _, ok := parent[id]; ok {
				return id
			}
		}
		return -1
	}
	for _, t := range s.nonGround {
		a := find(first(t))
		for _, id := range [3]int{t.S, t.P, t.O} {
			if _, ok := parent[id]; ok {
				if b := find(id); b != a {
					parent[b] = a
				}
			}
		}
	}

	byRoot := make(map[int]*component)
	var out []*component
	for _, id := range s.blanks {
		r := find(id)
		c, ok := byRoot[r]
		if !ok {
			c = &component{s: s, index: make(map[int]int), set: make(map[rdf.Triple]struct{})}
			byRoot[r] = c
			out = append(out, c)
		}
		c.index[id] = len(c.blanks)
		c.blanks = append(c.blanks, id)
	}
	for _, t := range s.nonGround {
		c := byRoot[find(first(t))]
		c.triples = append(c.triples, t)
		c.set[t] = struct{}{}
	}
	for _, c := range out {
		c.inc = make([][]rdf.Triple, len(c.blanks))
		for _, t := range c.triples {
			seen := [3]int{-1, -1, -1}
			for k, id := range [3]int{t.S, t.P, t.O} {
				bi, ok := c.index[id]
				if !ok || bi == seen[0] || bi == seen[1] {
					continue
				}
				seen[k] = bi
				c.inc[bi] = append(c.inc[bi], t)
			}
		}
		c.maxRounds = s.maxRounds
		if c.maxRounds <= 0 {
			c.maxRounds = len(c.blanks) + 1
		}
	}
	return out
}

// component is one connected set of blank nodes and the triples touching
// them. Positions in blanks are local; ranks are local too.
type component struct {
	s         *state
	maxRounds int

	blanks  []int       // term ids
	index   map[int]int // term id -> position in blanks
	triples []rdf.Triple
	set     map[rdf.Triple]struct{}
	inc     [][]rdf.Triple

	explored [][]int
	auts     [][]int
	best     string
	bestRank []int
}

func (c *component) canonicalize() error {
	sig, err := c.refine(c.initial())
	if err != nil {
		return err
	}
	_, err = c.search(sig, nil, nil)
	return err
}

func (c *component) initial() []string {
	seed := string(crypto.Hash([]byte("_:")))
	sig := make([]string, len(c.blanks))
	for i := range sig {
		sig[i] = seed
	}
	return sig
}

// step computes one refinement round. A blank node's new signature hashes
// its previous signature with the sorted descriptors of every triple it
// occurs in; each position is described as itself, another blank node's
// current signature, or the hash of a ground term.
func (c *component) step(sig []string) []string {
	next := make([]string, len(sig))
	var sb strings.Builder
	for i, b := range c.blanks {
		tuples := make([]string, 0, len(c.inc[i]))
		for _, t := range c.inc[i] {
			sb.Reset()
			for _, id := range [3]int{t.S, t.P, t.O} {
				if id == b {
					sb.WriteByte('S')
				} else if bi, ok := c.index[id]; ok {
					sb.WriteByte('B')
					sb.WriteString(sig[bi])
				} else {
					sb.WriteByte('G')
					sb.WriteString(c.s.termHash[id])
				}
			}
			tuples = append(tuples, sb.String())
		}
		sort.Strings(tuples)
		h := sha256.New()
		h.Write([]byte(sig[i]))
		for _, tu := range tuples {
			h.Write([]byte(tu))
		}
		next[i] = string(h.Sum(nil))
	}
	return next
}

// refine iterates step until the number of colour classes stops growing.
func (c *component) refine(sig []string) ([]string, error) {
	n := classes(sig)
	if n == len(sig) {
		return sig, nil
	}
	for round := 0; ; round++ {
		if round >= c.maxRounds {
			return nil, errors.Wrapf(ErrIterationLimitExceeded, "refinement unstable after %d rounds", round)
		}
		next := c.step(sig)
		m := classes(next)
		if m == n {
			return next, nil
		}
		sig, n = next, m
	}
}

func classes(sig []string) int {
	set := make(map[string]struct{}, len(sig))
	for _, v := range sig {
		set[v] = struct{}{}
	}
	return len(set)
}

// targetCell returns the members of the non-singleton class with the
// smallest signature, or nil when every blank node is distinguished.
func targetCell(sig []string) []int {
	cells := make(map[string][]int)
	for i, v := range sig {
		cells[v] = append(cells[v], i)
	}
	var key string
	var cell []int
	for k, c := range cells {
		if len(c) < 2 {
			continue
		}
		if cell == nil || k < key {
			key, cell = k, c
		}
	}
	return cell
}

func individualize(sig []string, vs ...int) []string {
	out := make([]string, len(sig))
	copy(out, sig)
	for k, v := range vs {
		out[v] = string(crypto.Hash([]byte("I" + strconv.Itoa(k) + sig[v])))
	}
	return out
}

// interchangeable reports whether swapping blank nodes a and b maps the
// component's triples onto themselves.
func (c *component) interchangeable(a, b int) bool {
	if len(c.inc[a]) != len(c.inc[b]) {
		return false
	}
	ta, tb := c.blanks[a], c.blanks[b]
	swap := func(id int) int {
		switch id {
		case ta:
			return tb
		case tb:
			return ta
		}
		return id
	}
	for _, list := range [2][]rdf.Triple{c.inc[a], c.inc[b]} {
		for _, t := range list {
			if _, ok := c.set[rdf.Triple{S: swap(t.S), P: swap(t.P), O: swap(t.O)}]; !ok {
				return false
			}
		}
	}
	return true
}

// symmetric reports whether every member of cell can be swapped with the
// first one. The transpositions then generate every permutation of the
// cell, all of them automorphisms fixing the rest of the component, so any
// order of individualization leads to the same leaves.
func (c *component) symmetric(cell []int) bool {
	for _, v := range cell[1:] {
		if !c.interchangeable(cell[0], v) {
			return false
		}
	}
	return true
}

// search walks the individualization tree below sig. fixed lists every
// individualized node in order; levels holds the position in fixed of each
// branching choice. It returns the level to abandon to when an automorphism
// proves the current branch equivalent to one already explored, or -1.
func (c *component) search(sig []string, fixed, levels []int) (int, error) {
	cell := targetCell(sig)
	if cell == nil {
		return c.leaf(sig, fixed, levels), nil
	}
	if c.symmetric(cell) {
		child, err := c.refine(individualize(sig, cell...))
		if err != nil {
			return -1, err
		}
		return c.search(child, append(fixed[:len(fixed):len(fixed)], cell...), levels)
	}

	c.s.nodes++
	if c.s.nodes > c.s.maxSearch {
		return -1, errors.Wrapf(ErrIterationLimitExceeded, "search exceeded %d nodes", c.s.maxSearch)
	}
	d := len(levels)
	c.explored = append(c.explored[:d], nil)
	for _, v := range cell {
		if c.sameOrbit(fixed, c.explored[d], v) {
			continue
		}
		child, err := c.refine(individualize(sig, v))
		if err != nil {
			return -1, err
		}
		nextFixed := append(fixed[:len(fixed):len(fixed)], v)
		nextLevels := append(levels[:d:d], len(fixed))
		lvl, err := c.search(child, nextFixed, nextLevels)
		if err != nil {
			return -1, err
		}
		c.explored[d] = append(c.explored[d], v)
		if lvl >= 0 && lvl < d {
			return lvl, nil
		}
	}
	return -1, nil
}

func ranks(sig []string) []int {
	order := make([]int, len(sig))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return sig[order[a]] < sig[order[b]] })
	rank := make([]int, len(sig))
	for r, i := range order {
		rank[i] = r
	}
	return rank
}

func (c *component) leaf(sig []string, fixed, levels []int) int {
	rank := ranks(sig)
	byTerm := make(map[int]int, len(rank))
	for i, id := range c.blanks {
		byTerm[id] = rank[i]
	}
	lines := make([]string, len(c.triples))
	for i, t := range c.triples {
		lines[i] = c.s.line(t, byTerm)
	}
	sort.Strings(lines)
	ser := strings.Join(lines, "\n")
	if c.bestRank == nil || ser < c.best {
		c.best, c.bestRank = ser, rank
		return -1
	}
	if ser != c.best {
		return -1
	}

	// Equal serializations: mapping each blank node to the one holding the
	// same rank here is an automorphism of the component.
	inv := make([]int, len(rank))
	for y, r := range rank {
		inv[r] = y
	}
	pi := make([]int, len(rank))
	for x, r := range c.bestRank {
		pi[x] = inv[r]
	}
	c.auts = append(c.auts, pi)

	pos := 0
	for l, at := range levels {
		for ; pos < at; pos++ {
			if pi[fixed[pos]] != fixed[pos] {
				return -1
			}
		}
		for _, e := range c.explored[l] {
			if pi[e] == fixed[at] {
				return l
			}
		}
	}
	return -1
}

// sameOrbit reports whether v is mapped onto an explored sibling by the
// automorphisms found so far that fix every node in fixed.
func (c *component) sameOrbit(fixed, explored []int, v int) bool {
	if len(explored) == 0 || len(c.auts) == 0 {
		return false
	}
	parent := make([]int, len(c.blanks))
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	used := false
next:
	for _, pi := range c.auts {
		for _, p := range fixed {
			if pi[p] != p {
				continue next
			}
		}
		used = true
		for x, y := range pi {
			if rx, ry := find(x), find(y); rx != ry {
				parent[rx] = ry
			}
		}
	}
	if !used {
		return false
	}
	rv := find(v)
	for _, e := range explored {
		if find(e) == rv {
			return true
		}
	}
	return false
}

// line renders t as an N-Triples statement, relabeling blank nodes by rank.
func (s *state) line(t rdf.Triple, rank map[int]int) string {
	term := func(id int) rdf.Term {
		if r, ok := rank[id]; ok {
			return rdf.NewBlank(label(r))
		}
		return s.g.Term(id)
	}
	return rdf.NewQuad(term(t.S), term(t.P), term(t.O)).String()
}
