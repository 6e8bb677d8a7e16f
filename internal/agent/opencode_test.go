package agent

import (
	"strings"
	"testing"
)

func TestParseTokenAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"482", 482},
		{"128.7K", 128_700},
		{"1.2M", 1_200_000},
		{"0", 0},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseTokenAmount(tt.in); got != tt.want {
				t.Errorf("parseTokenAmount(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTokenUsage(t *testing.T) {
	out := "some transcript\ntokens: input 12.3K, output 1.2K, cache read 128.7K, cache write 450\n"
	in, o, cr, cw := parseTokenUsage(out)
	if in != 12_300 || o != 1_200 || cr != 128_700 || cw != 450 {
		t.Errorf("parseTokenUsage = %d,%d,%d,%d", in, o, cr, cw)
	}

	t.Run("no usage line", func(t *testing.T) {
		in, o, cr, cw := parseTokenUsage("done, no stats printed")
		if in != 0 || o != 0 || cr != 0 || cw != 0 {
			t.Errorf("expected zeros, got %d,%d,%d,%d", in, o, cr, cw)
		}
	})

	t.Run("no cache counts", func(t *testing.T) {
		in, o, cr, cw := parseTokenUsage("tokens: input 500, output 100")
		if in != 500 || o != 100 || cr != 0 || cw != 0 {
			t.Errorf("got %d,%d,%d,%d", in, o, cr, cw)
		}
	})
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[32mok\x1b[0m plain \x1b]0;title\x07tail"
	if got := stripANSI(in); got != "ok plain tail" {
		t.Errorf("stripANSI = %q", got)
	}
}

func TestDetectConfigError(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"provider model missing", "boom\nProviderModelNotFoundError: no model x\n", true},
		{"auth failure", "request failed: Unauthorized (401)\n", true},
		{"unknown model", "error: unknown model claude-99\n", true},
		{"ordinary failure", "tests failed: 3 of 7\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detail, found := detectConfigError(tt.output)
			if found != tt.want {
				t.Errorf("detectConfigError = %q,%v, want found=%v", detail, found, tt.want)
			}
		})
	}

	t.Run("only scans the tail", func(t *testing.T) {
		// A config-error pattern buried 100+ lines back must not match.
		output := "unknown model phantom\n" + strings.Repeat("progress line\n", 120)
		if detail, found := detectConfigError(output); found {
			t.Errorf("matched stale line: %q", detail)
		}
	})
}
