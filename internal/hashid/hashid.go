// Package hashid computes the deterministic content hashes and snippet IDs
// the Evidence Index relies on for dedupe and idempotent re-indexing.
package hashid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ContentHash returns the hex SHA-256 digest of raw bytes, used as
// Source.ContentHash and Document.ContentHash for dedupe.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TextHash returns the hex SHA-256 digest of a chunk's normalized text, used
// as the text_hash_prefix component of a snippet ID and for near-duplicate
// chunk detection across re-parses of the same document.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SnippetID computes the deterministic snippet identifier:
//
//	H(final_url ∥ start_offset ∥ end_offset ∥ text_hash_prefix ∥ parser_version ∥ chunker_version)
//
// Two independent extraction runs over byte-identical input produce the
// same snippet ID, so re-indexing an unchanged document is a no-op dedupe
// hit rather than a duplicate insert.
func SnippetID(finalURL string, startOffset, endOffset int, textHash string, parserVersion, chunkerVersion string) string {
	prefix := textHash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%s\x00%s\x00%s", finalURL, startOffset, endOffset, prefix, parserVersion, chunkerVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// FactID computes a deterministic identifier for a raw key/value row pulled
// from a table or structured block, keyed off its owning snippet so the
// same physical row never produces two fact rows across re-extraction.
func FactID(snippetID, rawKey string, rowIndex int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", snippetID, rawKey, rowIndex)
	return hex.EncodeToString(h.Sum(nil))
}
