// Package rdf holds the RDF data model used by the chain: terms, quads, a
// set-semantics graph arena and an N-Quads codec.
package rdf

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	XSDString     = "http://www.w3.org/2001/XMLSchema#string"
	RDFLangString = "http://www.w3.org/1999/02/22-rdf-syntax-ns#langString"
)

var (
	ErrInvalidTerm = errors.New("rdf: invalid term")
	ErrSyntax      = errors.New("rdf: syntax error")
)

type TermKind uint8

const (
	KindNone TermKind = iota
	KindIRI
	KindBlank
	KindLiteral
)

func (k TermKind) String() string {
	switch k {
	case KindIRI:
		return "iri"
	case KindBlank:
		return "blank"
	case KindLiteral:
		return "literal"
	}
	return "none"
}

// Term is an IRI, a blank node or a literal. The zero Term is the default
// graph when used as a quad's graph name.
type Term struct {
	Kind     TermKind
	Value    string
	Datatype string
	Lang     string
}

func NewIRI(iri string) Term {
	return Term{Kind: KindIRI, Value: iri}
}

func NewBlank(id string) Term {
	return Term{Kind: KindBlank, Value: strings.TrimPrefix(id, "_:")}
}

func NewLiteral(v string) Term {
	return Term{Kind: KindLiteral, Value: v}
}

func NewTypedLiteral(v, datatype string) Term {
	if datatype == XSDString {
		datatype = ""
	}
	return Term{Kind: KindLiteral, Value: v, Datatype: datatype}
}

func NewLangLiteral(v, lang string) Term {
	return Term{Kind: KindLiteral, Value: v, Lang: strings.ToLower(lang)}
}

func (t Term) IsIRI() bool     { return t.Kind == KindIRI }
func (t Term) IsBlank() bool   { return t.Kind == KindBlank }
func (t Term) IsLiteral() bool { return t.Kind == KindLiteral }
func (t Term) IsZero() bool    { return t.Kind == KindNone }

// String renders the term in N-Triples syntax.
func (t Term) String() string {
	var b strings.Builder
	t.writeTo(&b)
	return b.String()
}

func (t Term) writeTo(b *strings.Builder) {
	switch t.Kind {
	case KindIRI:
		b.WriteByte('<')
		writeEscapedIRI(b, t.Value)
		b.WriteByte('>')
	case KindBlank:
		b.WriteString("_:")
		b.WriteString(t.Value)
	case KindLiteral:
		b.WriteByte('"')
		writeEscapedLiteral(b, t.Value)
		b.WriteByte('"')
		if t.Lang != "" {
			b.WriteByte('@')
			b.WriteString(t.Lang)
		} else if t.Datatype != "" {
			b.WriteString("^^<")
			writeEscapedIRI(b, t.Datatype)
			b.WriteByte('>')
		}
	}
}

var langTag = regexp.MustCompile(`^[a-zA-Z]+(-[a-zA-Z0-9]+)*$`)

func validIRI(s string) bool {
	return s != "" && utf8.ValidString(s) && !strings.ContainsAny(s, " <>\"{}|^`\\\n")
}

// Terms must survive a write/parse round trip unchanged, otherwise two
// different graphs could share a canonical form.
func (t Term) validate() error {
	switch t.Kind {
	case KindIRI:
		if !validIRI(t.Value) {
			return errors.Wrapf(ErrInvalidTerm, "iri %q", t.Value)
		}
	case KindBlank:
		if t.Value == "" || !utf8.ValidString(t.Value) || strings.ContainsAny(t.Value, " \t\r\n<>\"#") || strings.HasSuffix(t.Value, ".") {
			return errors.Wrapf(ErrInvalidTerm, "blank node %q", t.Value)
		}
		for _, r := range t.Value {
			if r < 0x20 {
				return errors.Wrapf(ErrInvalidTerm, "blank node %q", t.Value)
			}
		}
	case KindLiteral:
		if !utf8.ValidString(t.Value) {
			return errors.Wrapf(ErrInvalidTerm, "literal %q is not valid UTF-8", t.Value)
		}
		if t.Lang != "" && t.Datatype != "" {
			return errors.Wrapf(ErrInvalidTerm, "literal %q has both lang and datatype", t.Value)
		}
		if t.Lang != "" && !langTag.MatchString(t.Lang) {
			return errors.Wrapf(ErrInvalidTerm, "language tag %q", t.Lang)
		}
		if t.Datatype != "" && !validIRI(t.Datatype) {
			return errors.Wrapf(ErrInvalidTerm, "datatype %q", t.Datatype)
		}
	default:
		return errors.Wrap(ErrInvalidTerm, "empty term")
	}
	return nil
}

// normalize returns the form the parser would produce for t.
func (t Term) normalize() Term {
	if t.Kind != KindLiteral {
		return t
	}
	if t.Lang != "" {
		t.Lang = strings.ToLower(t.Lang)
	}
	if t.Datatype == XSDString {
		t.Datatype = ""
	}
	return t
}

func writeEscapedIRI(b *strings.Builder, s string) {
	for _, r := range s {
		if r <= 0x20 {
			writeUChar(b, r)
			continue
		}
		b.WriteRune(r)
	}
}

func writeEscapedLiteral(b *strings.Builder, s string) {
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				writeUChar(b, r)
				continue
			}
			b.WriteRune(r)
		}
	}
}

const hexDigits = "0123456789ABCDEF"

func writeUChar(b *strings.Builder, r rune) {
	b.WriteString(`\u`)
	for shift := 12; shift >= 0; shift -= 4 {
		b.WriteByte(hexDigits[(r>>uint(shift))&0xF])
	}
}

// Quad is a triple with an optional graph name.
type Quad struct {
	Subject   Term
	Predicate Term
	Object    Term
	Graph     Term
}

func NewQuad(s, p, o Term) Quad {
	return Quad{Subject: s, Predicate: p, Object: o}
}

func (q Quad) Validate() error {
	if q.Subject.IsLiteral() {
		return errors.Wrap(ErrInvalidTerm, "literal subject")
	}
	if q.Predicate.IsLiteral() {
		return errors.Wrap(ErrInvalidTerm, "literal predicate")
	}
	if !q.Graph.IsZero() && q.Graph.IsLiteral() {
		return errors.Wrap(ErrInvalidTerm, "literal graph name")
	}
	for _, t := range []Term{q.Subject, q.Predicate, q.Object} {
		if err := t.validate(); err != nil {
			return err
		}
	}
	if !q.Graph.IsZero() {
		return q.Graph.validate()
	}
	return nil
}

// String renders the quad as one N-Quads statement without trailing newline.
func (q Quad) String() string {
	var b strings.Builder
	q.Subject.writeTo(&b)
	b.WriteByte(' ')
	q.Predicate.writeTo(&b)
	b.WriteByte(' ')
	q.Object.writeTo(&b)
	if !q.Graph.IsZero() {
		b.WriteByte(' ')
		q.Graph.writeTo(&b)
	}
	b.WriteString(" .")
	return b.String()
}
