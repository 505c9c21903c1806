// Package chain stores RDF blocks.
package chain

/**

1. chain keeps the ordered, hash-linked list of accepted blocks and the RDF graphs they carry
2. each block's payload is stored as the statements of graph https://rdfchain.org/block/{index}, in canonical order
3. header fields are also written as statements of the metadata graph https://rdfchain.org/chain
4. a block is accepted only when: its index is the next one, it links to the tip hash, its timestamp is
   between the parent's and now + skew, its payload hashes to the header's canonical hash, and an authority signed it
5. every accepted block, header record and length update lands in one batch write
6. a longer valid fork replaces the local suffix in one batch write (Replace); nothing else removes blocks

**/
