package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/artifact"
	"github.com/loomworks/codeloom/internal/config"
	"github.com/loomworks/codeloom/internal/embeddings"
)

var tracer = otel.Tracer("github.com/loomworks/codeloom/internal/knowledge")

// Directories that never contain useful knowledge.
var defaultSkipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
	".cache":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"target":       true,
}

const (
	collectionName = "knowledge"
	manifestFile   = "manifest.json"
)

// Store is the per-repository knowledge index: an embedded chromem collection
// plus a digest manifest that makes indexing incremental.
//
// A Store is safe for concurrent use. Indexing takes an exclusive lock;
// searches share a read lock, so retrieval never observes a half-applied
// indexing pass.
type Store struct {
	dir      string
	db       *chromem.DB
	coll     *chromem.Collection
	embedder embeddings.Embedder
	cfg      config.KnowledgeConfig
	logger   *zap.Logger

	mu       sync.RWMutex
	manifest map[string]manifestEntry
}

// Open opens (or creates) the knowledge store for one repository identity
// under root. The chromem collection and the manifest live side by side in
// <root>/<identity>/.
func Open(root, identity string, embedder embeddings.Embedder, cfg config.KnowledgeConfig, logger *zap.Logger) (*Store, error) {
	if identity == "" {
		return nil, fmt.Errorf("repository identity cannot be empty")
	}

	dir := filepath.Join(root, identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating knowledge directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(filepath.Join(dir, "vectors"), true)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	coll, err := db.GetOrCreateCollection(collectionName, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("opening collection: %w", err)
	}

	s := &Store{
		dir:      dir,
		db:       db,
		coll:     coll,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		manifest: make(map[string]manifestEntry),
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

// Empty reports whether the index holds no chunks.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coll.Count() == 0
}

// Files returns the repository-relative paths the index currently covers,
// sorted. Summary backfill walks this list instead of re-walking the tree.
func (s *Store) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.manifest))
	for rel := range s.manifest {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}

// Index walks repoRoot and brings the index up to date with it. Files whose
// digest matches the manifest are untouched; changed files have their old
// chunks deleted before the new ones are embedded; files that disappeared
// from the tree are removed from the index. A file that cannot be read or
// embedded is skipped with a warning, never failing the pass.
func (s *Store) Index(ctx context.Context, repoRoot string) (*IndexResult, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Index")
	defer span.End()

	cleanRoot, err := validateRoot(repoRoot)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &IndexResult{IndexedAt: time.Now()}
	seen := make(map[string]bool)

	err = filepath.Walk(cleanRoot, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if defaultSkipDirs[filepath.Base(filePath)] {
				return filepath.SkipDir
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relPath, err := filepath.Rel(cleanRoot, filePath)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		if !s.shouldInclude(relPath, info) {
			return nil
		}

		seen[relPath] = true
		if err := s.indexFile(ctx, filePath, relPath, result); err != nil {
			// One unreadable file must not sink the whole pass.
			s.logger.Warn("skipping file",
				zap.String("path", relPath),
				zap.Error(err),
			)
			result.FilesSkipped++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("walking file tree: %w", err)
	}

	// Drop files that vanished from the tree.
	for rel, entry := range s.manifest {
		if seen[rel] {
			continue
		}
		if err := s.deleteChunks(ctx, entry.ChunkIDs); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("removing stale chunks for %s: %w", rel, err)
		}
		delete(s.manifest, rel)
		result.FilesRemoved++
	}

	if err := s.saveManifest(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("files_indexed", result.FilesIndexed),
		attribute.Int("chunks_embedded", result.ChunksEmbedded),
		attribute.Int("files_skipped", result.FilesSkipped),
	)
	return result, nil
}

// indexFile embeds one file if its content changed since the last pass.
func (s *Store) indexFile(ctx context.Context, filePath, relPath string, result *IndexResult) error {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	// Binary files carry no embeddable text.
	if !utf8.Valid(content) {
		return nil
	}

	digest := artifact.Digest(string(content))
	if entry, ok := s.manifest[relPath]; ok && entry.Digest == digest {
		return nil
	}

	// Changed file: old chunks go first so a crash mid-update cannot leave
	// two generations of the same file behind.
	if entry, ok := s.manifest[relPath]; ok {
		if err := s.deleteChunks(ctx, entry.ChunkIDs); err != nil {
			return fmt.Errorf("deleting stale chunks: %w", err)
		}
		delete(s.manifest, relPath)
	}

	pieces := splitChunks(string(content), s.cfg.ChunkChars, s.cfg.ChunkOverlap)
	if len(pieces) == 0 {
		s.manifest[relPath] = manifestEntry{Digest: digest}
		return nil
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if len(vectors) != len(pieces) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces))
	}

	docs := make([]chromem.Document, len(pieces))
	ids := make([]string, len(pieces))
	for i, p := range pieces {
		ids[i] = fmt.Sprintf("%s::chunk::%d", relPath, i)
		docs[i] = chromem.Document{
			ID:      ids[i],
			Content: p.Text,
			Metadata: map[string]string{
				"source":  relPath,
				"heading": p.Heading,
				"digest":  digest,
			},
			Embedding: vectors[i],
		}
	}

	if err := s.coll.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	s.manifest[relPath] = manifestEntry{Digest: digest, ChunkIDs: ids}
	result.FilesIndexed++
	result.ChunksEmbedded += len(pieces)
	return nil
}

// Search retrieves up to k chunks relevant to query, ordered by descending
// score with ties broken lexically by chunk ID so retrieval is deterministic.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Search")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if k <= 0 {
		k = s.cfg.SearchK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if count := s.coll.Count(); count == 0 {
		return nil, nil
	} else if k > count {
		k = count
	}

	results, err := s.coll.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	chunks := make([]Chunk, len(results))
	for i, r := range results {
		chunks[i] = Chunk{
			ID:      r.ID,
			Source:  r.Metadata["source"],
			Heading: r.Metadata["heading"],
			Text:    r.Content,
			Digest:  r.Metadata["digest"],
			Score:   r.Similarity,
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ID < chunks[j].ID
	})

	span.SetAttributes(attribute.Int("results", len(chunks)))
	return chunks, nil
}

func (s *Store) deleteChunks(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.coll.Delete(ctx, nil, nil, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) shouldInclude(relPath string, info os.FileInfo) bool {
	if info.Size() > s.cfg.MaxFileSize {
		return false
	}
	basename := filepath.Base(relPath)

	for _, pattern := range s.cfg.ExcludePatterns {
		if matched, _ := filepath.Match(pattern, basename); matched {
			return false
		}
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return false
		}
		if strings.Contains(pattern, "**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			if strings.HasPrefix(relPath, prefix+string(filepath.Separator)) {
				return false
			}
		}
	}

	if len(s.cfg.IncludePatterns) == 0 {
		return true
	}
	for _, pattern := range s.cfg.IncludePatterns {
		if matched, _ := filepath.Match(pattern, basename); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
	}
	return false
}

func (s *Store) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.manifest); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	return nil
}

func (s *Store) saveManifest() error {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, manifestFile), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

func validateRoot(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("path does not exist: %s", clean)
		}
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path must be a directory: %s", clean)
	}
	return clean, nil
}
