package jsonio

import (
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "sample.json")
	in := sample{Name: "roadrunner", Count: 7}

	if err := WriteAtomic(path, in); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	var out sample
	if err := Read(path, &out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}
}

func TestWriteAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := WriteAtomic(path, sample{Name: "first"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteAtomic(path, sample{Name: "second"}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	var out sample
	if err := Read(path, &out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out.Name != "second" {
		t.Errorf("got %q, want %q", out.Name, "second")
	}
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")
	if err := WriteAtomic(path, sample{Name: "x"}); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "sample.json" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("unexpected directory contents: %v", names)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")
	if Exists(path) {
		t.Error("Exists() true for missing file")
	}
	if err := WriteAtomic(path, sample{}); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if !Exists(path) {
		t.Error("Exists() false for present file")
	}
	if Exists(dir) {
		t.Error("Exists() true for directory")
	}
}
