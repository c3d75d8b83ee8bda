// Package bencode implements encoding and decoding of bencoded values as
// used by the BitTorrent protocol family (BEP 3, BEP 5, BEP 9, BEP 10).
//
// Decoded values use the following Go types:
//
//	byte string → string
//	integer     → int64
//	list        → []interface{}
//	dictionary  → map[string]interface{}
//
// Encoding is canonical: dictionary keys are emitted in lexicographic
// order regardless of insertion order, so encoding the same value always
// produces the same bytes. This matters because infohashes are computed
// over encoded bytes.
package bencode
