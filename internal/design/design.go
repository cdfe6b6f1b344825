// Package design models the planned units of generation work produced by the
// design phase. A Set is validated once at construction and is immutable for
// the remainder of the run.
package design

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors for design-set validation.
var (
	// ErrDuplicatePath indicates two blocks target the same path.
	ErrDuplicatePath = errors.New("duplicate block path")

	// ErrDanglingDependency indicates a dependency that resolves to no block.
	ErrDanglingDependency = errors.New("dangling dependency")

	// ErrSelfDependency indicates a block that depends on itself.
	ErrSelfDependency = errors.New("block depends on itself")

	// ErrDependencyCycle indicates the dependency graph is not acyclic.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Complexity is the design phase's estimate of how hard a block is to build.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ParseComplexity maps a string to a Complexity, defaulting to medium for
// unknown values so a sloppy model answer never stalls the pipeline.
func ParseComplexity(s string) Complexity {
	switch Complexity(s) {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return Complexity(s)
	default:
		return ComplexityMedium
	}
}

// Block is one planned unit of work: a single target file, what it should do,
// how hard the design phase thinks it is, and which other blocks it needs.
type Block struct {
	// Path is the target file path, relative to the source root.
	Path string `json:"path"`

	// Responsibility describes what the generated file must do.
	Responsibility string `json:"responsibility"`

	// Complexity is the estimated complexity tier.
	Complexity Complexity `json:"complexity"`

	// DependsOn lists paths of blocks this block requires, within the same set.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Set is a validated collection of blocks with a resolvable dependency graph.
type Set struct {
	blocks []Block
	byPath map[string]int
}

// NewSet validates the blocks and returns an immutable Set.
//
// Validation enforces the design invariants: paths are unique, every
// dependency resolves to a block in the same set, no block depends on
// itself, and the graph is acyclic (a cycle would deadlock dispatch).
func NewSet(blocks []Block) (*Set, error) {
	byPath := make(map[string]int, len(blocks))
	for i, b := range blocks {
		if b.Path == "" {
			return nil, fmt.Errorf("block %d: path cannot be empty", i)
		}
		if _, ok := byPath[b.Path]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, b.Path)
		}
		byPath[b.Path] = i
	}

	for _, b := range blocks {
		for _, dep := range b.DependsOn {
			if dep == b.Path {
				return nil, fmt.Errorf("%w: %s", ErrSelfDependency, b.Path)
			}
			if _, ok := byPath[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrDanglingDependency, b.Path, dep)
			}
		}
	}

	s := &Set{blocks: blocks, byPath: byPath}
	if _, err := s.waves(); err != nil {
		return nil, err
	}
	return s, nil
}

// Len returns the number of blocks in the set.
func (s *Set) Len() int { return len(s.blocks) }

// Blocks returns the blocks in their original order.
func (s *Set) Blocks() []Block { return s.blocks }

// Get returns the block for a path.
func (s *Set) Get(path string) (Block, bool) {
	i, ok := s.byPath[path]
	if !ok {
		return Block{}, false
	}
	return s.blocks[i], true
}

// Waves returns the blocks grouped into dependency waves: every block in
// wave N depends only on blocks in waves < N. Within a wave, blocks are
// ordered lexically by path for determinism. Dispatch runs one wave at a
// time, so a block never starts before all of its dependencies' artifacts
// exist.
func (s *Set) Waves() [][]Block {
	waves, _ := s.waves() // validated at construction, cannot fail here
	return waves
}

func (s *Set) waves() ([][]Block, error) {
	done := make(map[string]bool, len(s.blocks))
	remaining := len(s.blocks)

	var waves [][]Block
	for remaining > 0 {
		var wave []Block
		for _, b := range s.blocks {
			if done[b.Path] {
				continue
			}
			ready := true
			for _, dep := range b.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, b)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("%w: %d blocks unreachable", ErrDependencyCycle, remaining)
		}
		sort.Slice(wave, func(i, j int) bool { return wave[i].Path < wave[j].Path })
		for _, b := range wave {
			done[b.Path] = true
		}
		remaining -= len(wave)
		waves = append(waves, wave)
	}
	return waves, nil
}
