// Package knowledge maintains the persistent, embedded vector index of a
// target repository. Indexing is incremental: a manifest of content digests
// decides which files need re-embedding, so repeated runs over an unchanged
// tree embed nothing.
package knowledge

import "time"

// Chunk is one retrievable slice of repository knowledge.
type Chunk struct {
	// ID is stable across runs: "<relpath>::chunk::<index>".
	ID string

	// Source is the repository-relative path the chunk came from.
	Source string

	// Heading is the nearest preceding heading, if the source had one.
	Heading string

	// Text is the chunk content.
	Text string

	// Digest is the sha256 of the full source file at index time.
	Digest string

	// Score is the query similarity, set only on search results.
	Score float32
}

// IndexResult reports what one indexing pass did.
type IndexResult struct {
	FilesIndexed   int
	FilesSkipped   int
	FilesRemoved   int
	ChunksEmbedded int
	IndexedAt      time.Time
}

// manifestEntry records what the index holds for one file.
type manifestEntry struct {
	Digest   string   `json:"digest"`
	ChunkIDs []string `json:"chunk_ids"`
}
