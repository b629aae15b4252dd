// Package project defines the read-only Project Store collaborator:
// resolving an opaque source reference into the file tree the engine
// compiles.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/typefold/typeset"
)

// Tree is a handle on a resolved project source tree. The orchestrator
// never writes through it.
type Tree struct {
	// Ref is the source reference the tree was resolved from.
	Ref string
	// Root is the absolute directory holding the project files.
	Root string
	// MainFile is the entry document, relative to Root.
	MainFile string
}

// Store resolves source references. Implementations must be safe for
// concurrent use.
type Store interface {
	// Resolve returns a handle for the given source reference, or
	// typeset.ErrSourceNotFound when it does not exist.
	Resolve(ctx context.Context, sourceRef string) (*Tree, error)
}

// mainCandidates are the entry files probed in order when resolving.
var mainCandidates = []string{"main.tex", "document.tex", "index.tex"}

// FS is a filesystem-backed Store: each source reference is a project
// directory under a fixed base directory.
type FS struct {
	base string
}

// NewFS creates a filesystem Store rooted at base.
func NewFS(base string) *FS {
	return &FS{base: base}
}

// Resolve maps sourceRef to a directory under the base and locates the
// entry document. References escaping the base directory are treated
// as not found rather than leaked as a distinct error.
func (f *FS) Resolve(_ context.Context, sourceRef string) (*Tree, error) {
	if sourceRef == "" || strings.Contains(sourceRef, "..") {
		return nil, typeset.ErrSourceNotFound
	}

	root := filepath.Join(f.base, filepath.Clean(sourceRef))
	rel, err := filepath.Rel(f.base, root)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, typeset.ErrSourceNotFound
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, typeset.ErrSourceNotFound
		}
		return nil, fmt.Errorf("project: stat %s: %w", sourceRef, err)
	}
	if !info.IsDir() {
		return nil, typeset.ErrSourceNotFound
	}

	for _, name := range mainCandidates {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return &Tree{Ref: sourceRef, Root: root, MainFile: name}, nil
		}
	}
	return nil, typeset.ErrSourceNotFound
}
