package main

import (
	"os"
	"path/filepath"
	"testing"
)

const validRoadmap = `{
  "name": "demo",
  "ecosystem": "python",
  "tasks": [
    {"id": 1, "title": "Set up project", "agent": "build",
     "depends_on": [], "outputs": ["pyproject.toml"],
     "acceptance": "project scaffold exists"},
    {"id": 2, "title": "Add parser", "agent": "build",
     "depends_on": [1], "outputs": ["src/parser.py"],
     "acceptance": "parser handles the sample input"}
  ]
}`

const invalidRoadmap = `{
  "name": "demo",
  "ecosystem": "python",
  "tasks": [
    {"id": 1, "title": "Set up project", "agent": "build",
     "depends_on": [3], "outputs": ["pyproject.toml"],
     "acceptance": "x"}
  ]
}`

func writeRoadmap(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ROADMAP.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing roadmap: %v", err)
	}
	return path
}

func TestValidateAcceptsGoodRoadmap(t *testing.T) {
	path := writeRoadmap(t, validRoadmap)
	if code := run([]string{"-roadmap", path, "validate"}); code != exitOK {
		t.Errorf("exit code = %d, want %d", code, exitOK)
	}
}

func TestValidateRejectsForwardReference(t *testing.T) {
	path := writeRoadmap(t, invalidRoadmap)
	if code := run([]string{"-roadmap", path, "validate"}); code != exitError {
		t.Errorf("exit code = %d, want %d", code, exitError)
	}
}

func TestValidateMissingFile(t *testing.T) {
	if code := run([]string{"-roadmap", "/nonexistent/ROADMAP.json", "validate"}); code != exitError {
		t.Errorf("exit code = %d, want %d", code, exitError)
	}
}

func TestGraphPrintsLayers(t *testing.T) {
	path := writeRoadmap(t, validRoadmap)
	if code := run([]string{"-C", filepath.Dir(path), "graph"}); code != exitOK {
		t.Errorf("exit code = %d, want %d", code, exitOK)
	}
}

func TestUnknownCommand(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != exitError {
		t.Errorf("exit code = %d, want %d", code, exitError)
	}
}
