package project_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/project"
)

func setupBase(t *testing.T) string {
	t.Helper()
	base := t.TempDir()

	if err := os.MkdirAll(filepath.Join(base, "thesis"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "thesis", "main.tex"), []byte(`\documentclass{report}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// A directory without any entry document.
	if err := os.MkdirAll(filepath.Join(base, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	// A plain file where a directory is expected.
	if err := os.WriteFile(filepath.Join(base, "stray.tex"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	return base
}

func TestResolve(t *testing.T) {
	t.Parallel()
	base := setupBase(t)
	fs := project.NewFS(base)
	ctx := context.Background()

	tests := []struct {
		name    string
		ref     string
		wantErr bool
	}{
		{"existing project", "thesis", false},
		{"unknown ref", "nope", true},
		{"empty ref", "", true},
		{"no entry document", "empty", true},
		{"file not directory", "stray.tex", true},
		{"path escape", "../etc", true},
		{"nested escape", "thesis/../../etc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := fs.Resolve(ctx, tt.ref)
			if tt.wantErr {
				if !errors.Is(err, typeset.ErrSourceNotFound) {
					t.Fatalf("Resolve(%q) error = %v, want ErrSourceNotFound", tt.ref, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.ref, err)
			}
			if tree.MainFile != "main.tex" {
				t.Errorf("MainFile = %q, want main.tex", tree.MainFile)
			}
			if tree.Root != filepath.Join(base, tt.ref) {
				t.Errorf("Root = %q", tree.Root)
			}
		})
	}
}
