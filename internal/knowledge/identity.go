package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// Identity derives a stable identifier for a repository so its knowledge
// survives across runs and across checkouts at the same path.
//
// The identifier is the first 12 hex characters of the sha256 of the git
// worktree root. Paths outside a git repository fall back to the cleaned
// absolute path itself, so plain directories still get a stable identity.
func Identity(path string) string {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		abs = filepath.Clean(path)
	}

	root := abs
	if repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true}); err == nil {
		if wt, err := repo.Worktree(); err == nil {
			root = wt.Filesystem.Root()
		}
	}

	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])[:12]
}
