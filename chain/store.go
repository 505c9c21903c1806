package chain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"rdfchain/db"
	"rdfchain/rdf"
	"rdfchain/types"
)

// Key layout:
//
//	m/length                     chain length, 8 bytes big endian
//	h/<index %020d>              HeaderRecord
//	x/<block hash>               index, 8 bytes big endian
//	g/<graph uri>\x00<seq %020d> one N-Triples statement of the graph
//
// Statements of a block graph are stored in canonical order, so the block
// payload is the concatenation of the graph's statements.
var lengthKey = []byte("m/length")

const ns = types.BaseURI + "/ns#"

const xsdInteger = "http://www.w3.org/2001/XMLSchema#integer"

func headerKey(index uint64) []byte {
	return []byte(fmt.Sprintf("h/%020d", index))
}

func hashKey(hash []byte) []byte {
	return append([]byte("x/"), hash...)
}

func graphPrefix(uri string) []byte {
	return []byte("g/" + uri + "\x00")
}

func tripleKey(uri string, seq uint64) []byte {
	return append(graphPrefix(uri), fmt.Sprintf("%020d", seq)...)
}

// metaSeq orders header statements in the metadata graph by block index.
func metaSeq(index uint64, i int) uint64 {
	return index*100 + uint64(i)
}

func u64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// insertGraph writes statements under uri starting at sequence seq.
func insertGraph(w db.KV, uri string, seq uint64, lines []string) error {
	for i, l := range lines {
		if err := w.Set(tripleKey(uri, seq+uint64(i)), []byte(l)); err != nil {
			return err
		}
	}
	return nil
}

// deleteGraph removes every statement stored under uri, reading keys from r
// and recording deletions in w.
func deleteGraph(r db.DB, w db.KV, uri string) error {
	it := r.NewIter(db.PrefixRange(graphPrefix(uri)))
	defer it.Release()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte{}, it.Key()...))
	}
	if err := it.Error(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := w.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func readGraph(r db.DB, uri string) ([]string, error) {
	it := r.NewIter(db.PrefixRange(graphPrefix(uri)))
	defer it.Release()
	var lines []string
	for it.Next() {
		lines = append(lines, string(it.Value()))
	}
	return lines, it.Error()
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// headerLines describes a header as statements of the metadata graph.
func headerLines(h *types.Header, hash []byte) []string {
	s := rdf.NewIRI(types.GraphURI(h.Index))
	p := func(name string) rdf.Term { return rdf.NewIRI(ns + name) }
	qs := []rdf.Quad{
		rdf.NewQuad(s, p("index"), rdf.NewTypedLiteral(strconv.FormatUint(h.Index, 10), xsdInteger)),
		rdf.NewQuad(s, p("timestamp"), rdf.NewTypedLiteral(strconv.FormatInt(h.Timestamp, 10), xsdInteger)),
		rdf.NewQuad(s, p("previousHash"), rdf.NewLiteral(hex.EncodeToString(h.PreviousHash))),
		rdf.NewQuad(s, p("canonicalHash"), rdf.NewLiteral(hex.EncodeToString(h.CanonicalHash))),
		rdf.NewQuad(s, p("hash"), rdf.NewLiteral(hex.EncodeToString(hash))),
		rdf.NewQuad(s, p("producer"), rdf.NewLiteral(h.ProducerId)),
	}
	lines := make([]string, len(qs))
	for i, q := range qs {
		lines[i] = q.String()
	}
	return lines
}

// writeBlock records an accepted block: payload statements in its graph,
// header record, hash index and metadata statements.
func writeBlock(w db.KV, b *types.Block, lines []string) error {
	h := b.Header
	hash := h.Hash()
	rec, err := types.Marshal(&types.HeaderRecord{Header: h, Hash: hash, Triples: uint32(len(lines))})
	if err != nil {
		return err
	}
	if err := w.Set(headerKey(h.Index), rec); err != nil {
		return err
	}
	if err := w.Set(hashKey(hash), u64(h.Index)); err != nil {
		return err
	}
	if err := insertGraph(w, b.GraphURI(), 0, lines); err != nil {
		return err
	}
	return insertGraph(w, types.MetaGraphURI, metaSeq(h.Index, 0), headerLines(h, hash))
}

// eraseBlock removes everything writeBlock stored for index.
func eraseBlock(r db.DB, w db.KV, index uint64) error {
	rec, err := readHeader(r, index)
	if err != nil {
		return err
	}
	if err := w.Delete(headerKey(index)); err != nil {
		return err
	}
	if err := w.Delete(hashKey(rec.Hash)); err != nil {
		return err
	}
	if err := deleteGraph(r, w, types.GraphURI(index)); err != nil {
		return err
	}
	for i := range headerLines(rec.Header, rec.Hash) {
		if err := w.Delete(tripleKey(types.MetaGraphURI, metaSeq(index, i))); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r db.KV, index uint64) (*types.HeaderRecord, error) {
	v, err := r.Get(headerKey(index))
	if err != nil {
		return nil, err
	}
	rec := new(types.HeaderRecord)
	if err := types.Unmarshal(v, rec); err != nil {
		return nil, err
	}
	if rec.Header == nil {
		return nil, fmt.Errorf("header record %d is empty", index)
	}
	return rec, nil
}

func readBlock(r db.DB, index uint64) (*types.Block, error) {
	rec, err := readHeader(r, index)
	if err != nil {
		return nil, err
	}
	lines, err := readGraph(r, types.GraphURI(index))
	if err != nil {
		return nil, err
	}
	return &types.Block{Header: rec.Header, Payload: joinLines(lines)}, nil
}

func readLength(r db.KV) (uint64, error) {
	v, err := r.Get(lengthKey)
	if err == db.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("bad length record %x", v)
	}
	return binary.BigEndian.Uint64(v), nil
}
