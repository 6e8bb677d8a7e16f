package ecosystem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"python", "deno", "node", "go", "rust"} {
		t.Run(name, func(t *testing.T) {
			cmds, ok := Lookup(name)
			if !ok {
				t.Fatalf("Lookup(%q) not found", name)
			}
			if len(cmds.Test) == 0 {
				t.Error("test command missing")
			}
			if len(cmds.Static) == 0 {
				t.Error("static command missing")
			}
			if len(cmds.Coverage) == 0 {
				t.Error("coverage command missing")
			}
		})
	}
	if _, ok := Lookup("cobol"); ok {
		t.Error("Lookup(cobol) should fail")
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		marker string
		want   string
	}{
		{"go.mod", "go"},
		{"Cargo.toml", "rust"},
		{"pyproject.toml", "python"},
		{"package.json", "node"},
		{"deno.json", "deno"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, tt.marker), nil, 0o644); err != nil {
				t.Fatal(err)
			}
			got, ok := Detect(dir)
			if !ok || got != tt.want {
				t.Errorf("Detect = %q,%v, want %q", got, ok, tt.want)
			}
		})
	}

	t.Run("deno precedence over node", func(t *testing.T) {
		dir := t.TempDir()
		for _, f := range []string{"deno.json", "package.json"} {
			if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
				t.Fatal(err)
			}
		}
		if got, _ := Detect(dir); got != "deno" {
			t.Errorf("Detect = %q, want deno", got)
		}
	})

	t.Run("empty dir", func(t *testing.T) {
		if _, ok := Detect(t.TempDir()); ok {
			t.Error("Detect should fail on empty dir")
		}
	})
}

func TestParseCoverage(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   float64
		ok     bool
	}{
		{
			"pytest-cov total line",
			"file.py    90%\nTOTAL      87%\n",
			87, true,
		},
		{
			"go test",
			"ok  example.com/pkg  0.01s  coverage: 81.5% of statements\n",
			81.5, true,
		},
		{
			"no percentage",
			"all tests passed\n",
			0, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCoverage(tt.output)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseCoverage = %v,%v, want %v,%v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
