package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}
	if root == "" {
		t.Fatal("FindProjectRoot returned empty string")
	}

	goMod := filepath.Join(root, "go.mod")
	if _, err := os.Stat(goMod); err != nil {
		t.Fatalf("go.mod not found at %s: %v", goMod, err)
	}
}

func TestWriteAndReadTree(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"a.txt":        "a",
		"nested/b.txt": "bb",
		"x/y/z.txt":    "zzz",
	}

	WriteTree(t, root, files)
	got := ReadTree(t, root)

	if len(got) != len(files) {
		t.Fatalf("expected %d files, got %d: %v", len(files), len(got), got)
	}
	for rel, want := range files {
		if got[rel] != want {
			t.Errorf("%s: got %q, want %q", rel, got[rel], want)
		}
	}

	keys := SortedKeys(got)
	if keys[0] != "a.txt" || keys[2] != "x/y/z.txt" {
		t.Errorf("unexpected key order %v", keys)
	}
}

func TestSetModTime(t *testing.T) {
	root := t.TempDir()
	WriteTree(t, root, map[string]string{"f": "x"})

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	SetModTime(t, root, "f", mtime)

	info, err := os.Stat(filepath.Join(root, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("expected %s, got %s", mtime, info.ModTime())
	}
}
