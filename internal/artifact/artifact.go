// Package artifact models generated files and writes them to disk atomically.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
)

// Artifact is a generated file owned by a single orchestrator run until it is
// written to the output directory.
type Artifact struct {
	// Path is the file path relative to the source root.
	Path string `json:"path"`

	// Content is the full file content.
	Content string `json:"content"`

	// Digest is the sha256 hex digest of Content, recomputed on every
	// mutation. Summary staleness and re-indexing decisions key off it.
	Digest string `json:"digest"`

	// BlockPath references the design block this artifact was generated from.
	// Empty for artifacts not originating from a design block.
	BlockPath string `json:"block_path,omitempty"`
}

// New builds an Artifact with its digest computed from content.
func New(path, content, blockPath string) Artifact {
	return Artifact{
		Path:      path,
		Content:   content,
		Digest:    Digest(content),
		BlockPath: blockPath,
	}
}

// SetContent replaces the content and recomputes the digest.
func (a *Artifact) SetContent(content string) {
	a.Content = content
	a.Digest = Digest(content)
}

// Digest returns the sha256 hex digest of content. It is the single digest
// function used for artifacts, summary records, and knowledge chunks, so
// change detection agrees everywhere.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
