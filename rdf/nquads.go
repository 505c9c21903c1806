package rdf

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const maxLineSize = 1 << 20

// ParseNQuads reads N-Quads (and therefore N-Triples) statements, one per
// line. Blank lines and comment lines are skipped.
func ParseNQuads(r io.Reader) ([]Quad, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	var out []Quad
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		q, err := ParseQuad(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		out = append(out, q)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(ErrSyntax, err.Error())
	}
	return out, nil
}

func ParseNQuadsBytes(data []byte) ([]Quad, error) {
	return ParseNQuads(bytes.NewReader(data))
}

// ParseQuad parses a single statement.
func ParseQuad(line string) (Quad, error) {
	p := &lexer{s: line}
	var terms []Term
	for {
		p.skipSpace()
		if p.eof() {
			return Quad{}, errors.Wrap(ErrSyntax, "missing '.'")
		}
		if p.peek() == '.' {
			p.pos++
			break
		}
		if len(terms) == 4 {
			return Quad{}, errors.Wrap(ErrSyntax, "too many terms")
		}
		t, err := p.term()
		if err != nil {
			return Quad{}, err
		}
		terms = append(terms, t)
	}
	p.skipSpace()
	if !p.eof() && p.peek() != '#' {
		return Quad{}, errors.Wrapf(ErrSyntax, "trailing data %q", p.s[p.pos:])
	}
	if len(terms) < 3 {
		return Quad{}, errors.Wrap(ErrSyntax, "statement needs subject, predicate and object")
	}
	q := Quad{Subject: terms[0], Predicate: terms[1], Object: terms[2]}
	if len(terms) == 4 {
		q.Graph = terms[3]
	}
	if err := q.Validate(); err != nil {
		return Quad{}, err
	}
	return q, nil
}

// WriteNQuads writes each quad on its own line.
func WriteNQuads(w io.Writer, qs []Quad) error {
	bw := bufio.NewWriter(w)
	for _, q := range qs {
		if _, err := bw.WriteString(q.String()); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

type lexer struct {
	s   string
	pos int
}

func (l *lexer) eof() bool { return l.pos >= len(l.s) }

func (l *lexer) peek() byte { return l.s[l.pos] }

func (l *lexer) skipSpace() {
	for !l.eof() && (l.s[l.pos] == ' ' || l.s[l.pos] == '\t') {
		l.pos++
	}
}

func (l *lexer) term() (Term, error) {
	switch c := l.peek(); {
	case c == '<':
		iri, err := l.iri()
		if err != nil {
			return Term{}, err
		}
		return NewIRI(iri), nil
	case c == '_':
		return l.blank()
	case c == '"':
		return l.literal()
	default:
		return Term{}, errors.Wrapf(ErrSyntax, "unexpected %q at %d", c, l.pos)
	}
}

func (l *lexer) iri() (string, error) {
	l.pos++ // '<'
	var b strings.Builder
	for !l.eof() {
		c := l.s[l.pos]
		switch c {
		case '>':
			l.pos++
			return b.String(), nil
		case '\\':
			r, err := l.uchar()
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return "", errors.Wrap(ErrSyntax, "unterminated IRI")
}

func (l *lexer) blank() (Term, error) {
	if !strings.HasPrefix(l.s[l.pos:], "_:") {
		return Term{}, errors.Wrapf(ErrSyntax, "bad blank node at %d", l.pos)
	}
	l.pos += 2
	start := l.pos
	for !l.eof() {
		c := l.s[l.pos]
		if c == ' ' || c == '\t' || c == '<' || c == '"' {
			break
		}
		// a '.' ends the label when it terminates the statement
		if c == '.' && (l.pos+1 == len(l.s) || l.s[l.pos+1] == ' ' || l.s[l.pos+1] == '\t' || l.s[l.pos+1] == '#') {
			break
		}
		l.pos++
	}
	if l.pos == start {
		return Term{}, errors.Wrap(ErrSyntax, "empty blank node label")
	}
	return NewBlank(l.s[start:l.pos]), nil
}

func (l *lexer) literal() (Term, error) {
	l.pos++ // '"'
	var b strings.Builder
	closed := false
	for !l.eof() && !closed {
		c := l.s[l.pos]
		switch c {
		case '"':
			l.pos++
			closed = true
		case '\\':
			if l.pos+1 >= len(l.s) {
				return Term{}, errors.Wrap(ErrSyntax, "dangling escape")
			}
			switch e := l.s[l.pos+1]; e {
			case 'u', 'U':
				r, err := l.uchar()
				if err != nil {
					return Term{}, err
				}
				b.WriteRune(r)
			default:
				r, ok := echar(e)
				if !ok {
					return Term{}, errors.Wrapf(ErrSyntax, "bad escape \\%c", e)
				}
				b.WriteByte(r)
				l.pos += 2
			}
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	if !closed {
		return Term{}, errors.Wrap(ErrSyntax, "unterminated literal")
	}
	value := b.String()
	if !utf8.ValidString(value) {
		return Term{}, errors.Wrap(ErrSyntax, "literal is not valid UTF-8")
	}
	if l.eof() {
		return NewLiteral(value), nil
	}
	switch {
	case l.peek() == '@':
		l.pos++
		start := l.pos
		for !l.eof() && (isAlnum(l.s[l.pos]) || l.s[l.pos] == '-') {
			l.pos++
		}
		if l.pos == start {
			return Term{}, errors.Wrap(ErrSyntax, "empty language tag")
		}
		return NewLangLiteral(value, l.s[start:l.pos]), nil
	case strings.HasPrefix(l.s[l.pos:], "^^"):
		l.pos += 2
		if l.eof() || l.peek() != '<' {
			return Term{}, errors.Wrap(ErrSyntax, "datatype must be an IRI")
		}
		dt, err := l.iri()
		if err != nil {
			return Term{}, err
		}
		return NewTypedLiteral(value, dt), nil
	}
	return NewLiteral(value), nil
}

// uchar decodes \uXXXX or \UXXXXXXXX at the current position.
func (l *lexer) uchar() (rune, error) {
	if l.pos+1 >= len(l.s) {
		return 0, errors.Wrap(ErrSyntax, "dangling escape")
	}
	n := 0
	switch l.s[l.pos+1] {
	case 'u':
		n = 4
	case 'U':
		n = 8
	default:
		return 0, errors.Wrapf(ErrSyntax, "bad escape \\%c", l.s[l.pos+1])
	}
	start := l.pos + 2
	if start+n > len(l.s) {
		return 0, errors.Wrap(ErrSyntax, "short unicode escape")
	}
	v, err := strconv.ParseUint(l.s[start:start+n], 16, 32)
	if err != nil {
		return 0, errors.Wrap(ErrSyntax, err.Error())
	}
	if !utf8.ValidRune(rune(v)) {
		return 0, errors.Wrapf(ErrSyntax, "escape %s is not a unicode scalar", l.s[l.pos:start+n])
	}
	l.pos = start + n
	return rune(v), nil
}

func echar(c byte) (byte, bool) {
	switch c {
	case 't':
		return '\t', true
	case 'b':
		return '\b', true
	case 'n':
		return '\n', true
	case 'r':
		return '\r', true
	case 'f':
		return '\f', true
	case '"':
		return '"', true
	case '\'':
		return '\'', true
	case '\\':
		return '\\', true
	}
	return 0, false
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
