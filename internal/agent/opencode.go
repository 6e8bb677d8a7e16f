package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Opencode invokes the opencode CLI, one subprocess per call. Prompts are
// passed via a temporary file; all output lands in a per-task log under
// logs/<slug>/, ANSI-stripped for readability.
type Opencode struct {
	Command string // CLI executable, default "opencode"
	Dir     string // project directory the agent operates in
	LogsDir string // log root, default <Dir>/logs
}

// NewOpencode builds the adapter for a project directory.
func NewOpencode(dir string) *Opencode {
	return &Opencode{
		Command: "opencode",
		Dir:     dir,
		LogsDir: filepath.Join(dir, "logs"),
	}
}

// Invoke runs one agent call. A non-zero exit returns an error alongside
// the captured output; the output still carries token accounting when the
// CLI printed it before failing. Model-configuration failures surface as
// *ConfigError even when the CLI exits zero, since some providers do.
func (o *Opencode) Invoke(ctx context.Context, req Request) (Result, error) {
	tmp, err := os.CreateTemp("", "roadrunner-prompt-*.md")
	if err != nil {
		return Result{}, fmt.Errorf("creating prompt file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(req.Prompt); err != nil {
		tmp.Close()
		return Result{}, fmt.Errorf("writing prompt file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("closing prompt file: %w", err)
	}

	args := []string{
		"run", "Execute the task in the attached file.",
		"--agent", req.Kind,
		"--dir", o.Dir,
		"-f", tmpName,
	}
	if req.Continue {
		args = append(args, "--continue")
	}

	cmd := exec.CommandContext(ctx, o.Command, args...)
	cmd.Dir = o.Dir
	raw, runErr := cmd.CombinedOutput()
	output := stripANSI(string(raw))

	logPath, logErr := o.writeLog(req, output)
	if logErr != nil {
		return Result{}, logErr
	}

	res := Result{
		SessionID: uuid.NewString(),
		Output:    output,
		LogPath:   logPath,
	}
	res.TokensIn, res.TokensOut, res.TokensCacheRead, res.TokensCacheWrite = parseTokenUsage(output)

	if detail, found := detectConfigError(output); found {
		return res, &ConfigError{Detail: detail}
	}
	if runErr != nil {
		return res, fmt.Errorf("agent exited abnormally (phase %s, log %s): %w",
			req.Phase, logPath, runErr)
	}
	return res, nil
}

// Close is a no-op; the adapter spawns a subprocess per invocation.
func (o *Opencode) Close() error { return nil }

func (o *Opencode) writeLog(req Request, output string) (string, error) {
	slug := req.Slug
	if slug == "" {
		slug = "unknown"
	}
	dir := filepath.Join(o.LogsDir, slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_a%d.log",
		time.Now().Format("20060102_150405"), req.Phase, req.Attempt)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("writing log: %w", err)
	}
	return path, nil
}

// ansiRe matches CSI, OSC, and standalone escape sequences.
var ansiRe = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[A-Za-z]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[^\[\]])`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// configErrorPatterns mark failures no retry can fix.
var configErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ProviderModelNotFoundError`),
	regexp.MustCompile(`(?i)model[_ ]not[_ ]found`),
	regexp.MustCompile(`(?i)model .+ (is not available|does not exist)`),
	regexp.MustCompile(`(?i)unknown model`),
	regexp.MustCompile(`(?i)invalid model`),
	regexp.MustCompile(`(?i)no such model`),
	regexp.MustCompile(`(?i)model .+ not supported`),
	regexp.MustCompile(`(?i)Unauthorized|invalid.api.key|authentication.failed`),
	regexp.MustCompile(`(?i)PROVIDER_NOT_CONFIGURED`),
}

// detectConfigError scans the tail of the output for model-configuration
// failures. Only the tail, to avoid false positives in long transcripts.
func detectConfigError(output string) (string, bool) {
	lines := strings.Split(output, "\n")
	if len(lines) > 80 {
		lines = lines[len(lines)-80:]
	}
	for _, pattern := range configErrorPatterns {
		for _, line := range lines {
			if pattern.MatchString(line) {
				return strings.TrimSpace(line), true
			}
		}
	}
	return "", false
}

// tokenLineRe matches the CLI's usage summary, e.g.
// "tokens: input 12.3K, output 1.2K, cache read 128.7K, cache write 0".
var tokenLineRe = regexp.MustCompile(
	`(?i)input\s+([\d.]+[KM]?).*?output\s+([\d.]+[KM]?)(?:.*?cache\s*read\s+([\d.]+[KM]?))?(?:.*?cache\s*write\s+([\d.]+[KM]?))?`)

func parseTokenUsage(output string) (in, out, cacheRead, cacheWrite int64) {
	m := tokenLineRe.FindStringSubmatch(output)
	if m == nil {
		return 0, 0, 0, 0
	}
	return parseTokenAmount(m[1]), parseTokenAmount(m[2]),
		parseTokenAmount(m[3]), parseTokenAmount(m[4])
}

// parseTokenAmount converts the CLI's abbreviated counts ("128.7K",
// "1.2M", "482") to raw token counts.
func parseTokenAmount(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1e3
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1e6
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(v * mult)
}
