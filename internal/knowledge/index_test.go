package knowledge

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/config"
)

// fakeEmbedder produces deterministic vectors from content hashes and counts
// how many texts it was asked to embed.
type fakeEmbedder struct {
	mu       sync.Mutex
	embedded int
	uniform  bool // all texts map to the same vector
}

func (f *fakeEmbedder) vector(text string) []float32 {
	if f.uniform {
		text = "constant"
	}
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, 8)
	for i := range v {
		v[i] = float32(sum[i]) + 1
	}
	return v
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.embedded += len(texts)
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.vector(text), nil
}

func (f *fakeEmbedder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embedded
}

func testKnowledgeConfig() config.KnowledgeConfig {
	return config.KnowledgeConfig{
		IncludePatterns: []string{"*.py", "*.md"},
		MaxFileSize:     1024 * 1024,
		ChunkChars:      1200,
		ChunkOverlap:    100,
		SearchK:         8,
	}
}

func newTestStore(t *testing.T, embedder *fakeEmbedder) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "testrepo", embedder, testKnowledgeConfig(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestIndex_SecondPassEmbedsNothing(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := newTestStore(t, embedder)
	root := writeRepo(t, map[string]string{
		"main.py":   "def main():\n    pass\n",
		"README.md": "# Project\nDoes things.\n",
	})

	first, err := store.Index(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 2, first.FilesIndexed)
	assert.Greater(t, first.ChunksEmbedded, 0)
	after := embedder.count()

	second, err := store.Index(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 0, second.FilesIndexed)
	assert.Equal(t, 0, second.ChunksEmbedded)
	assert.Equal(t, after, embedder.count(), "unchanged files must not be re-embedded")
}

func TestIndex_ChangedFileReembedded(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := newTestStore(t, embedder)
	root := writeRepo(t, map[string]string{"main.py": "x = 1\n"})

	_, err := store.Index(context.Background(), root)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("x = 2\n"), 0o644))

	result, err := store.Index(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesIndexed)
}

func TestIndex_RemovedFileDropsChunks(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := newTestStore(t, embedder)
	root := writeRepo(t, map[string]string{
		"keep.py": "a = 1\n",
		"gone.py": "b = 2\n",
	})

	_, err := store.Index(context.Background(), root)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.py")))

	result, err := store.Index(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesRemoved)

	chunks, err := store.Search(context.Background(), "b = 2", 10)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.NotEqual(t, "gone.py", c.Source)
	}
}

func TestIndex_SkipsBinaryAndFilteredFiles(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := newTestStore(t, embedder)
	root := writeRepo(t, map[string]string{
		"code.py":    "ok = True\n",
		"data.bin":   "ignored extension",
		"img.py.txt": "wrong extension",
	})
	// Invalid UTF-8 with a matching extension is still skipped.
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.py"), []byte{0xff, 0xfe, 0x00}, 0o644))

	result, err := store.Index(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesIndexed)
}

func TestIndex_EmptyAndSearchOnEmpty(t *testing.T) {
	embedder := &fakeEmbedder{}
	store := newTestStore(t, embedder)

	assert.True(t, store.Empty())
	chunks, err := store.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSearch_TiesBreakLexicallyByID(t *testing.T) {
	embedder := &fakeEmbedder{uniform: true}
	store := newTestStore(t, embedder)
	root := writeRepo(t, map[string]string{
		"b.py": "beta\n",
		"a.py": "alpha\n",
	})

	_, err := store.Index(context.Background(), root)
	require.NoError(t, err)

	chunks, err := store.Search(context.Background(), "query", 10)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	// All scores are identical under the uniform embedder.
	assert.Equal(t, chunks[0].Score, chunks[1].Score)
	assert.Equal(t, "a.py::chunk::0", chunks[0].ID)
	assert.Equal(t, "b.py::chunk::0", chunks[1].ID)
}

func TestIndex_ManifestPersistsAcrossOpens(t *testing.T) {
	embedder := &fakeEmbedder{}
	knowledgeRoot := t.TempDir()
	cfg := testKnowledgeConfig()
	root := writeRepo(t, map[string]string{"main.py": "x = 1\n"})

	store, err := Open(knowledgeRoot, "repo1", embedder, cfg, zap.NewNop())
	require.NoError(t, err)
	_, err = store.Index(context.Background(), root)
	require.NoError(t, err)
	before := embedder.count()

	reopened, err := Open(knowledgeRoot, "repo1", embedder, cfg, zap.NewNop())
	require.NoError(t, err)
	result, err := reopened.Index(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 0, result.FilesIndexed)
	assert.Equal(t, before, embedder.count())
	assert.False(t, reopened.Empty())
}

func TestIdentity_StableAndPathDependent(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	id1 := Identity(dir1)
	assert.Len(t, id1, 12)
	assert.Equal(t, id1, Identity(dir1))
	assert.NotEqual(t, id1, Identity(dir2))
}
