package knowledge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/config"
	"github.com/loomworks/codeloom/internal/embeddings"
)

// Registry hands out at most one Store per repository identity. chromem's
// persistent DB assumes a single writer per directory, so concurrent callers
// must share the same handle.
type Registry struct {
	root     string
	embedder embeddings.Embedder
	cfg      config.KnowledgeConfig
	logger   *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates a registry rooted at the knowledge directory.
func NewRegistry(root string, embedder embeddings.Embedder, cfg config.KnowledgeConfig, logger *zap.Logger) *Registry {
	return &Registry{
		root:     root,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		stores:   make(map[string]*Store),
	}
}

// ForRepo returns the shared Store for a repository path, opening it on first
// use.
func (r *Registry) ForRepo(repoPath string) (*Store, error) {
	identity := Identity(repoPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[identity]; ok {
		return s, nil
	}
	s, err := Open(r.root, identity, r.embedder, r.cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.stores[identity] = s
	return s, nil
}
